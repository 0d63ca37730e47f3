package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/conneczen/voice-worker/internal/codec"
)

// Options identifies the realtime API endpoint and credentials. One Options
// value is built at process start and shared read-only across bridges.
type Options struct {
	APIKey  string
	BaseURL string // e.g. wss://api.openai.com/v1/realtime
	Model   string
}

// SessionOptions carries the per-call seed: the resolved instructions and
// the fixed output voice.
type SessionOptions struct {
	Instructions string
	Voice        string
}

// Session is one established upstream realtime session. It is owned by
// exactly one bridge; neither outlives the other.
type Session struct {
	conn   *websocket.Conn
	events chan Event
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	outSeq uint64
}

// Dial opens an upstream realtime session seeded with the given
// instructions and audio configuration, and waits for the session to
// acknowledge readiness. The context bounds the whole establishment;
// exceeding it is an establishment failure.
func Dial(ctx context.Context, opts Options, sess SessionOptions, logger zerolog.Logger) (*Session, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime base URL: %w", err)
	}
	q := u.Query()
	q.Set("model", opts.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial rejected (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 100),
		logger: logger,
	}

	if err := s.establish(ctx, sess); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()

	return s, nil
}

// establish performs the session handshake: wait for session.created,
// push our configuration, wait for session.updated.
func (s *Session) establish(ctx context.Context, sess SessionOptions) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}

	if err := s.expectEvent(typeSessionCreated); err != nil {
		return fmt.Errorf("realtime session not created: %w", err)
	}

	update := clientEvent{
		Type: typeSessionUpdate,
		Session: &SessionConfig{
			Modalities:        []string{"audio", "text"},
			Instructions:      sess.Instructions,
			Voice:             sess.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &TurnDetection{
				Type:              "semantic_vad",
				InterruptResponse: true,
			},
		},
	}
	if err := s.writeEvent(&update); err != nil {
		return fmt.Errorf("failed to send session config: %w", err)
	}

	if err := s.expectEvent(typeSessionUpdated); err != nil {
		return fmt.Errorf("realtime session config rejected: %w", err)
	}

	return nil
}

// expectEvent reads server events until the wanted type arrives. An error
// event during the handshake fails the establishment.
func (s *Session) expectEvent(want string) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev serverEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("undecodable handshake event: %w", err)
		}

		switch ev.Type {
		case want:
			return nil
		case typeError:
			if ev.Error != nil {
				return fmt.Errorf("realtime error: %s", ev.Error.Message)
			}
			return fmt.Errorf("realtime error with no detail")
		default:
			// Other notices during the handshake are harmless
			s.logger.Debug().Str("event", ev.Type).Msg("Handshake event ignored")
		}
	}
}

// Events returns the session's typed event stream, in emission order.
// The channel is closed after EventClosed is delivered.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendAudio appends one caller audio frame to the session's input buffer.
// Turn detection runs server-side, so no explicit commit is sent.
func (s *Session) SendAudio(frame *codec.AudioFrame) error {
	ev := clientEvent{
		Type:  typeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(frame.PCM),
	}
	return s.writeEvent(&ev)
}

func (s *Session) writeEvent(ev *clientEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop pumps server events to the session's event channel until the
// connection terminates.
func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events <- Event{Type: EventClosed}
			} else {
				s.events <- Event{Type: EventClosed, Err: err}
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			// Malformed event, drop it and keep the session alive
			s.logger.Warn().Err(err).Msg("Dropping undecodable realtime event")
			continue
		}

		switch ev.Type {
		case typeResponseAudioDelta:
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Dropping undecodable audio delta")
				continue
			}
			s.outSeq++
			s.events <- Event{
				Type: EventAudio,
				Frame: &codec.AudioFrame{
					PCM:       pcm,
					Direction: codec.DirectionOutbound,
					Seq:       s.outSeq,
				},
			}

		case typeResponseAudioTransDone, typeInputAudioTransComplete:
			s.events <- Event{Type: EventTranscript, Transcript: ev.Transcript, Name: ev.Type}

		case typeError:
			detail := apiError{}
			if ev.Error != nil {
				detail = *ev.Error
			}
			s.events <- Event{
				Type: EventError,
				Name: ev.Type,
				Err:  fmt.Errorf("realtime error %s: %s", detail.Code, detail.Message),
			}

		default:
			s.events <- Event{Type: EventLifecycle, Name: ev.Type}
		}
	}
}

// Close terminates the session. It is idempotent and safe to call from
// any goroutine; the read loop drains out on its own.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
