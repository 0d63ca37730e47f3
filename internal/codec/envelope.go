package codec

import (
	"encoding/base64"
	"encoding/json"
)

// EventKind is the closed set of telephony stream event kinds.
// Unknown kinds are explicitly legal and ignored by the adapter so new
// peer events never break an established call.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindConnected
	KindStart
	KindMedia
	KindStop
)

// Envelope is the wire wrapper used by the telephony peer's media stream:
// a discrete event with an optional payload, one JSON document per message.
type Envelope struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// MediaPayload carries one base64-encoded audio chunk
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"` // Base64 encoded audio
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload,omitempty"` // Alternative field name for chunk
}

// StartPayload carries the start event metadata
type StartPayload struct {
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	StreamSID        string            `json:"streamSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// StopPayload carries the stop event metadata
type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
	StreamSID  string `json:"streamSid,omitempty"`
}

// DecodeEnvelope parses one wire message into an Envelope.
// A document that is not valid JSON or carries no event field yields a
// ProtocolError.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewProtocolError("undecodable envelope: " + err.Error())
	}
	if env.Event == "" {
		return nil, NewProtocolError("envelope missing event kind")
	}
	return &env, nil
}

// Kind maps the envelope's event string onto the closed EventKind set
func (e *Envelope) Kind() EventKind {
	switch e.Event {
	case "connected":
		return KindConnected
	case "start":
		return KindStart
	case "media":
		return KindMedia
	case "stop":
		return KindStop
	default:
		return KindUnknown
	}
}

// MediaFrame extracts the audio frame from a media envelope.
// The peer writes the chunk under either "payload" or "chunk"; both are
// accepted. Missing or undecodable payloads yield a ProtocolError.
func (e *Envelope) MediaFrame(seq uint64) (*AudioFrame, error) {
	if e.Media == nil {
		return nil, NewProtocolError("media event missing media payload")
	}

	b64 := e.Media.Payload
	if b64 == "" {
		b64 = e.Media.Chunk
	}
	if b64 == "" {
		return nil, NewProtocolError("media event missing chunk/payload")
	}

	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, NewProtocolError("undecodable audio payload: " + err.Error())
	}

	return &AudioFrame{
		PCM:       pcm,
		Direction: DirectionInbound,
		Seq:       seq,
	}, nil
}

// EncodeMedia wraps an outbound frame in the peer's media envelope shape
// so no protocol divergence exists on the return path.
func EncodeMedia(streamSID string, frame *AudioFrame) ([]byte, error) {
	env := Envelope{
		Event:     "media",
		StreamSID: streamSID,
		Media: &MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(frame.PCM),
		},
	}
	return json.Marshal(&env)
}

// EncodeError builds the one-shot spoken-equivalent apology envelope
// written before closing a leg that failed to bridge.
func EncodeError(message string) ([]byte, error) {
	env := Envelope{
		Event:   "error",
		Message: message,
	}
	return json.Marshal(&env)
}
