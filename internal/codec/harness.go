package codec

import (
	"encoding/base64"
	"encoding/json"
)

// Dev harness message types. The harness client speaks a flattened shape
// mirroring the bridge's framing: "audio_chunk" carries caller audio in,
// "audio" carries assistant audio out. Local verification only, never
// spoken by the telephony provider.
const (
	HarnessAudioChunk = "audio_chunk"
	HarnessAudio      = "audio"
	HarnessError      = "error"
)

// HarnessMessage is the dev harness wire wrapper
type HarnessMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"` // Base64 encoded audio
	Message string `json:"message,omitempty"`
}

// DecodeHarnessMessage parses one harness wire message
func DecodeHarnessMessage(raw []byte) (*HarnessMessage, error) {
	var msg HarnessMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, NewProtocolError("undecodable harness message: " + err.Error())
	}
	if msg.Type == "" {
		return nil, NewProtocolError("harness message missing type")
	}
	return &msg, nil
}

// Frame extracts the audio frame from an audio_chunk message
func (m *HarnessMessage) Frame(seq uint64) (*AudioFrame, error) {
	if m.Payload == "" {
		return nil, NewProtocolError("audio_chunk missing payload")
	}

	pcm, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, NewProtocolError("undecodable audio payload: " + err.Error())
	}

	return &AudioFrame{
		PCM:       pcm,
		Direction: DirectionInbound,
		Seq:       seq,
	}, nil
}

// EncodeHarnessAudio wraps an outbound frame in the harness audio shape
func EncodeHarnessAudio(frame *AudioFrame) ([]byte, error) {
	msg := HarnessMessage{
		Type:    HarnessAudio,
		Payload: base64.StdEncoding.EncodeToString(frame.PCM),
	}
	return json.Marshal(&msg)
}

// EncodeHarnessAudioChunk wraps caller audio in the harness input shape.
// Used by the devclient command; the server only decodes this shape.
func EncodeHarnessAudioChunk(pcm []byte) ([]byte, error) {
	msg := HarnessMessage{
		Type:    HarnessAudioChunk,
		Payload: base64.StdEncoding.EncodeToString(pcm),
	}
	return json.Marshal(&msg)
}

// EncodeHarnessError builds the harness-side apology message
func EncodeHarnessError(message string) ([]byte, error) {
	msg := HarnessMessage{
		Type:    HarnessError,
		Message: message,
	}
	return json.Marshal(&msg)
}
