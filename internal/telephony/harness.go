package telephony

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/conneczen/voice-worker/internal/codec"
	"github.com/conneczen/voice-worker/internal/observability"
)

// HarnessAdapter speaks the dev harness envelope shapes (audio_chunk in,
// audio out) while presenting the same event stream the production
// adapter does, so a bridge cannot tell the legs apart. The harness
// protocol has no explicit start event; the adapter synthesizes one when
// the read loop begins.
type HarnessAdapter struct {
	conn    *websocket.Conn
	events  chan StreamEvent
	logger  zerolog.Logger
	metrics *observability.Metrics

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	seq uint64
}

func NewHarnessAdapter(conn *websocket.Conn, logger zerolog.Logger, metrics *observability.Metrics) *HarnessAdapter {
	return &HarnessAdapter{
		conn:    conn,
		events:  make(chan StreamEvent, 100),
		logger:  logger,
		metrics: metrics,
	}
}

func (a *HarnessAdapter) Events() <-chan StreamEvent {
	return a.events
}

// ReadLoop pumps harness messages into normalized events until the
// connection ends.
func (a *HarnessAdapter) ReadLoop() {
	defer close(a.events)

	a.events <- StreamEvent{Kind: EventStarted}

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn().Err(err).Msg("Harness stream read error")
			}
			return
		}

		msg, err := codec.DecodeHarnessMessage(raw)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Dropping malformed harness message")
			a.metrics.RecordError("protocol_error", "harness")
			continue
		}

		switch msg.Type {
		case codec.HarnessAudioChunk:
			a.seq++
			frame, err := msg.Frame(a.seq)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Dropping malformed harness audio chunk")
				a.metrics.RecordFrameDropped("in", "protocol_error")
				continue
			}
			a.events <- StreamEvent{Kind: EventFrame, Frame: frame}

		default:
			a.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown harness message")
		}
	}
}

func (a *HarnessAdapter) WriteFrame(frame *codec.AudioFrame) error {
	payload, err := codec.EncodeHarnessAudio(frame)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, payload)
}

func (a *HarnessAdapter) WriteApology(message string) error {
	payload, err := codec.EncodeHarnessError(message)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, payload)
}

func (a *HarnessAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.conn.Close()
	})
	return a.closeErr
}
