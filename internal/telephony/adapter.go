package telephony

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/conneczen/voice-worker/internal/codec"
	"github.com/conneczen/voice-worker/internal/observability"
)

// Kind classifies normalized stream events handed to the bridge
type Kind int

const (
	// EventStarted signals the peer opened its media stream
	EventStarted Kind = iota
	// EventFrame carries one decoded inbound audio frame
	EventFrame
	// EventStopped signals the peer ended its media stream
	EventStopped
)

// StreamEvent is one normalized occurrence on the inbound leg. Media
// events become frames; start/stop become explicit lifecycle signals;
// unknown event kinds never surface here.
type StreamEvent struct {
	Kind      Kind
	Frame     *codec.AudioFrame
	StreamSID string
	CallSID   string
}

// StreamAdapter speaks the telephony peer's event protocol over one
// accepted WebSocket and exposes a uniform frame-in/frame-out interface.
// It is owned by exactly one bridge for its lifetime.
type StreamAdapter struct {
	conn    *websocket.Conn
	events  chan StreamEvent
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	streamSID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	seq uint64
}

// NewStreamAdapter wraps an accepted connection. The caller starts the
// read side with ReadLoop.
func NewStreamAdapter(conn *websocket.Conn, logger zerolog.Logger, metrics *observability.Metrics) *StreamAdapter {
	return &StreamAdapter{
		conn:    conn,
		events:  make(chan StreamEvent, 100),
		logger:  logger,
		metrics: metrics,
	}
}

// Events returns the normalized event stream. The channel closes when the
// peer's connection terminates for any reason.
func (a *StreamAdapter) Events() <-chan StreamEvent {
	return a.events
}

// ReadLoop pumps peer envelopes into normalized events until the
// connection ends. Malformed envelopes are dropped and logged; unknown
// event kinds are ignored.
func (a *StreamAdapter) ReadLoop() {
	defer close(a.events)

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn().Err(err).Msg("Telephony stream read error")
			}
			return
		}

		env, err := codec.DecodeEnvelope(raw)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Dropping malformed telephony envelope")
			a.metrics.RecordError("protocol_error", "telephony")
			continue
		}

		switch env.Kind() {
		case codec.KindConnected:
			a.logger.Debug().Str("stream_sid", env.StreamSID).Msg("Telephony stream connected")

		case codec.KindStart:
			streamSID := env.StreamSID
			callSID := ""
			if env.Start != nil {
				if env.Start.StreamSID != "" {
					streamSID = env.Start.StreamSID
				}
				callSID = env.Start.CallSID
			}
			a.mu.Lock()
			a.streamSID = streamSID
			a.mu.Unlock()

			a.events <- StreamEvent{Kind: EventStarted, StreamSID: streamSID, CallSID: callSID}

		case codec.KindMedia:
			a.seq++
			frame, err := env.MediaFrame(a.seq)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Dropping malformed media frame")
				a.metrics.RecordFrameDropped("in", "protocol_error")
				continue
			}
			a.events <- StreamEvent{Kind: EventFrame, Frame: frame}

		case codec.KindStop:
			a.logger.Info().Msg("Telephony stream stopped by peer")
			a.events <- StreamEvent{Kind: EventStopped}
			return

		default:
			// Unknown kinds are forward-compatible, not an error
			a.logger.Debug().Str("event", env.Event).Msg("Ignoring unknown telephony event")
		}
	}
}

// WriteFrame writes one outbound audio frame back to the peer using the
// same envelope shape the peer streams with.
func (a *StreamAdapter) WriteFrame(frame *codec.AudioFrame) error {
	a.mu.RLock()
	streamSID := a.streamSID
	a.mu.RUnlock()

	payload, err := codec.EncodeMedia(streamSID, frame)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, payload)
}

// WriteApology sends the one-shot spoken-equivalent apology before a
// failed bridge closes the leg, so the caller is not dropped silently.
func (a *StreamAdapter) WriteApology(message string) error {
	payload, err := codec.EncodeError(message)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close releases the connection. Idempotent.
func (a *StreamAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.conn.Close()
	})
	return a.closeErr
}
