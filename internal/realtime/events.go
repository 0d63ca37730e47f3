package realtime

import (
	"encoding/json"

	"github.com/conneczen/voice-worker/internal/codec"
)

// Client-to-server event types
const (
	typeSessionUpdate    = "session.update"
	typeInputAudioAppend = "input_audio_buffer.append"
)

// Server-to-client event types
const (
	typeSessionCreated          = "session.created"
	typeSessionUpdated          = "session.updated"
	typeResponseAudioDelta      = "response.audio.delta"
	typeResponseAudioDone       = "response.audio.done"
	typeResponseAudioTransDone  = "response.audio_transcript.done"
	typeInputAudioTransComplete = "conversation.item.input_audio_transcription.completed"
	typeError                   = "error"
)

// TurnDetection configures how the session decides the caller's turn has
// ended. The bridge always requests semantic turn detection with
// interrupt-on-speech so the assistant yields when the caller talks over it.
type TurnDetection struct {
	Type              string `json:"type"`
	InterruptResponse bool   `json:"interrupt_response,omitempty"`
}

// SessionConfig is the audio/behavior configuration negotiated at
// establishment via session.update.
type SessionConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// clientEvent is the wire shape for events sent to the realtime API
type clientEvent struct {
	Type    string         `json:"type"`
	Session *SessionConfig `json:"session,omitempty"`
	Audio   string         `json:"audio,omitempty"`
}

// serverEvent is the wire shape for events received from the realtime API
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *apiError       `json:"error,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
}

// apiError describes an error event from the realtime API
type apiError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventType classifies session events surfaced to the bridge
type EventType int

const (
	// EventAudio carries one decoded assistant audio frame
	EventAudio EventType = iota
	// EventTranscript carries a completed transcript line (logged only)
	EventTranscript
	// EventLifecycle is any other session notice, observed for logging
	EventLifecycle
	// EventError is an error reported by the session
	EventError
	// EventClosed means the session's read side has terminated
	EventClosed
)

// Event is one typed occurrence emitted by an established session, in
// emission order.
type Event struct {
	Type       EventType
	Frame      *codec.AudioFrame // set for EventAudio
	Transcript string            // set for EventTranscript
	Name       string            // raw server event type, for lifecycle logging
	Err        error             // set for EventError and abnormal EventClosed
}
