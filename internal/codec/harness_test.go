package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestHarness_RoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}

	raw, err := EncodeHarnessAudioChunk(pcm)
	if err != nil {
		t.Fatalf("EncodeHarnessAudioChunk failed: %v", err)
	}

	msg, err := DecodeHarnessMessage(raw)
	if err != nil {
		t.Fatalf("DecodeHarnessMessage failed: %v", err)
	}
	if msg.Type != HarnessAudioChunk {
		t.Errorf("Expected type audio_chunk, got %s", msg.Type)
	}

	frame, err := msg.Frame(1)
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if !bytes.Equal(frame.PCM, pcm) {
		t.Errorf("Round trip mismatch: sent %v, got %v", pcm, frame.PCM)
	}
}

func TestHarness_AudioOut(t *testing.T) {
	out := &AudioFrame{PCM: []byte{9, 8, 7, 6}, Direction: DirectionOutbound}
	raw, err := EncodeHarnessAudio(out)
	if err != nil {
		t.Fatalf("EncodeHarnessAudio failed: %v", err)
	}

	msg, err := DecodeHarnessMessage(raw)
	if err != nil {
		t.Fatalf("DecodeHarnessMessage failed: %v", err)
	}
	if msg.Type != HarnessAudio {
		t.Errorf("Expected type audio, got %s", msg.Type)
	}

	frame, err := msg.Frame(0)
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if !bytes.Equal(frame.PCM, out.PCM) {
		t.Errorf("Round trip mismatch: sent %v, got %v", out.PCM, frame.PCM)
	}
}

func TestHarness_Malformed(t *testing.T) {
	cases := []string{
		`garbage`,
		`{"payload":"AAAA"}`,
	}
	for _, raw := range cases {
		_, err := DecodeHarnessMessage([]byte(raw))
		if err == nil {
			t.Errorf("Expected ProtocolError for %q, got nil", raw)
			continue
		}
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Errorf("Expected ProtocolError for %q, got %T", raw, err)
		}
	}

	msg, err := DecodeHarnessMessage([]byte(`{"type":"audio_chunk"}`))
	if err != nil {
		t.Fatalf("DecodeHarnessMessage failed: %v", err)
	}
	if _, err := msg.Frame(0); err == nil {
		t.Error("Expected ProtocolError for audio_chunk without payload")
	}
}

func TestHarness_Error(t *testing.T) {
	raw, err := EncodeHarnessError("sorry")
	if err != nil {
		t.Fatalf("EncodeHarnessError failed: %v", err)
	}
	msg, err := DecodeHarnessMessage(raw)
	if err != nil {
		t.Fatalf("DecodeHarnessMessage failed: %v", err)
	}
	if msg.Type != HarnessError || msg.Message != "sorry" {
		t.Errorf("Unexpected harness error message: %+v", msg)
	}
}
