package codec

// Fixed audio format carried on both legs of a bridge: linear PCM,
// 16-bit signed little-endian, mono. The relay never resamples or
// transcodes, so the format negotiated with the upstream session must
// match what the telephony peer streams.
const (
	SampleRate     = 8000
	BytesPerSample = 2
	Channels       = 1
)

// Direction tags which way a frame is moving through a bridge.
type Direction int

const (
	// DirectionInbound is caller audio heading to the upstream session.
	DirectionInbound Direction = iota
	// DirectionOutbound is assistant audio heading back to the caller.
	DirectionOutbound
)

// String returns the metric/log label for the direction.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "in"
	case DirectionOutbound:
		return "out"
	default:
		return "unknown"
	}
}

// AudioFrame is one immutable chunk of PCM samples moving through a bridge.
// Frames are forwarded in Seq order within a direction and discarded after
// the write; nothing retains them.
type AudioFrame struct {
	// PCM holds raw 16-bit little-endian samples
	PCM []byte

	// Direction tags inbound (caller to assistant) or outbound
	Direction Direction

	// Seq is the arrival order within this frame's direction
	Seq uint64
}

// ProtocolError marks a wire envelope that does not match the expected
// event shape. It is never fatal to a connection: the frame is dropped,
// the error logged, and relaying continues.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// NewProtocolError creates a ProtocolError with the given reason
func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}
