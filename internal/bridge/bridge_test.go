package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/conneczen/voice-worker/internal/codec"
	"github.com/conneczen/voice-worker/internal/contextstore"
	"github.com/conneczen/voice-worker/internal/realtime"
	"github.com/conneczen/voice-worker/internal/resilience"
	"github.com/conneczen/voice-worker/internal/telephony"
)

type fakeInbound struct {
	events chan telephony.StreamEvent

	mu        sync.Mutex
	written   []*codec.AudioFrame
	apologies []string
	closes    int
	closeOnce sync.Once
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{events: make(chan telephony.StreamEvent, 100)}
}

func (f *fakeInbound) Events() <-chan telephony.StreamEvent { return f.events }

func (f *fakeInbound) WriteFrame(frame *codec.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, frame)
	return nil
}

func (f *fakeInbound) WriteApology(message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apologies = append(f.apologies, message)
	return nil
}

func (f *fakeInbound) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeInbound) writtenFrames() []*codec.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*codec.AudioFrame, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeInbound) apologyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.apologies)
}

type fakeSession struct {
	events chan realtime.Event

	mu        sync.Mutex
	sent      []*codec.AudioFrame
	sendErr   error
	closes    int
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan realtime.Event, 100)}
}

func (f *fakeSession) Events() <-chan realtime.Event { return f.events }

func (f *fakeSession) SendAudio(frame *codec.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeSession) sentFrames() []*codec.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*codec.AudioFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeResolver struct {
	contexts map[string]*contextstore.CallContext
	delay    time.Duration
}

func (f *fakeResolver) Resolve(ctx context.Context, contextID string) (*contextstore.CallContext, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cc, ok := f.contexts[contextID]
	if !ok {
		return nil, contextstore.ErrNotFound
	}
	return cc, nil
}

type fakeDialer struct {
	mu      sync.Mutex
	session *fakeSession
	err     error
	dials   int
	lastSess realtime.SessionOptions
}

func (f *fakeDialer) Dial(ctx context.Context, sess realtime.SessionOptions) (UpstreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.lastSess = sess
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func testConfig() Config {
	return Config{
		ResolveTimeout:   time.Second,
		EstablishTimeout: time.Second,
		Voice:            "verse",
		FrameQueueSize:   100,
	}
}

func testBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker("realtime", 5, time.Second)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBridge_HappyPath(t *testing.T) {
	inbound := newFakeInbound()
	session := newFakeSession()
	resolver := &fakeResolver{contexts: map[string]*contextstore.CallContext{
		"ctx-1": {ID: "ctx-1", Instructions: "You are a helpful scheduling assistant."},
	}}
	dialer := &fakeDialer{session: session}

	b := New("ctx-1", inbound, resolver, dialer, testBreaker(), testConfig(), zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	inbound.events <- telephony.StreamEvent{Kind: telephony.EventStarted, StreamSID: "MZ1"}
	for i := 1; i <= 3; i++ {
		inbound.events <- telephony.StreamEvent{
			Kind:  telephony.EventFrame,
			Frame: &codec.AudioFrame{PCM: []byte{byte(i)}, Direction: codec.DirectionInbound, Seq: uint64(i)},
		}
	}

	waitFor(t, func() bool { return len(session.sentFrames()) == 3 }, "caller audio never reached the session")
	for i, frame := range session.sentFrames() {
		if frame.Seq != uint64(i+1) {
			t.Errorf("Frame %d forwarded out of order: seq %d", i, frame.Seq)
		}
	}

	session.events <- realtime.Event{Type: realtime.EventAudio, Frame: &codec.AudioFrame{PCM: []byte{0xA0}, Seq: 1}}
	session.events <- realtime.Event{Type: realtime.EventAudio, Frame: &codec.AudioFrame{PCM: []byte{0xA1}, Seq: 2}}

	waitFor(t, func() bool { return len(inbound.writtenFrames()) == 2 }, "assistant audio never reached the caller")
	written := inbound.writtenFrames()
	if written[0].Seq != 1 || written[1].Seq != 2 {
		t.Errorf("Assistant audio out of order: %d, %d", written[0].Seq, written[1].Seq)
	}

	inbound.events <- telephony.StreamEvent{Kind: telephony.EventStopped}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not finish after stop")
	}

	if b.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", b.State())
	}
	if inbound.apologyCount() != 0 {
		t.Errorf("Expected no apology on a clean call, got %d", inbound.apologyCount())
	}
	if dialer.dialCount() != 1 {
		t.Errorf("Expected exactly one session dial, got %d", dialer.dialCount())
	}
	if dialer.lastSess.Instructions != "You are a helpful scheduling assistant." {
		t.Errorf("Session not seeded with resolved instructions: %q", dialer.lastSess.Instructions)
	}
	session.mu.Lock()
	closes := session.closes
	session.mu.Unlock()
	if closes == 0 {
		t.Error("Expected upstream session to be closed")
	}
}

func TestBridge_ResolutionFailure(t *testing.T) {
	inbound := newFakeInbound()
	resolver := &fakeResolver{contexts: map[string]*contextstore.CallContext{}}
	dialer := &fakeDialer{session: newFakeSession()}

	b := New("ctx-missing", inbound, resolver, dialer, testBreaker(), testConfig(), zerolog.Nop())

	err := b.Run(context.Background())
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("Expected ResolutionError, got %v", err)
	}
	if !errors.Is(err, contextstore.ErrNotFound) {
		t.Errorf("Expected wrapped ErrNotFound, got %v", err)
	}

	if dialer.dialCount() != 0 {
		t.Errorf("No session must be opened on resolution failure, got %d dials", dialer.dialCount())
	}
	if inbound.apologyCount() != 1 {
		t.Errorf("Expected exactly one apology, got %d", inbound.apologyCount())
	}
	inbound.mu.Lock()
	closes := inbound.closes
	inbound.mu.Unlock()
	if closes == 0 {
		t.Error("Expected inbound leg to be closed")
	}
	if b.State() != StateFailed {
		t.Errorf("Expected StateFailed, got %v", b.State())
	}
}

func TestBridge_ResolutionTimeout(t *testing.T) {
	inbound := newFakeInbound()
	resolver := &fakeResolver{
		contexts: map[string]*contextstore.CallContext{"ctx-1": {ID: "ctx-1"}},
		delay:    500 * time.Millisecond,
	}
	dialer := &fakeDialer{session: newFakeSession()}

	cfg := testConfig()
	cfg.ResolveTimeout = 20 * time.Millisecond

	b := New("ctx-1", inbound, resolver, dialer, testBreaker(), cfg, zerolog.Nop())

	err := b.Run(context.Background())
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("Expected ResolutionError on timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if dialer.dialCount() != 0 {
		t.Error("No session must be opened when resolution times out")
	}
}

func TestBridge_EstablishmentFailure(t *testing.T) {
	inbound := newFakeInbound()
	resolver := &fakeResolver{contexts: map[string]*contextstore.CallContext{
		"ctx-1": {ID: "ctx-1", Instructions: "hello"},
	}}
	dialer := &fakeDialer{err: errors.New("upstream unavailable")}

	b := New("ctx-1", inbound, resolver, dialer, testBreaker(), testConfig(), zerolog.Nop())

	err := b.Run(context.Background())
	var eerr *EstablishmentError
	if !errors.As(err, &eerr) {
		t.Fatalf("Expected EstablishmentError, got %v", err)
	}
	if inbound.apologyCount() != 1 {
		t.Errorf("Expected exactly one apology, got %d", inbound.apologyCount())
	}
	if b.State() != StateFailed {
		t.Errorf("Expected StateFailed, got %v", b.State())
	}
}

func TestBridge_CircuitBreakerFailsFast(t *testing.T) {
	resolver := &fakeResolver{contexts: map[string]*contextstore.CallContext{
		"ctx-1": {ID: "ctx-1", Instructions: "hello"},
	}}
	breaker := resilience.NewCircuitBreaker("realtime", 1, time.Minute)

	// First call trips the breaker
	dialer := &fakeDialer{err: errors.New("upstream unavailable")}
	b := New("ctx-1", newFakeInbound(), resolver, dialer, breaker, testConfig(), zerolog.Nop())
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("Expected first establishment to fail")
	}

	// Second call must fail fast without dialing
	dialer2 := &fakeDialer{session: newFakeSession()}
	b2 := New("ctx-1", newFakeInbound(), resolver, dialer2, breaker, testConfig(), zerolog.Nop())
	err := b2.Run(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if dialer2.dialCount() != 0 {
		t.Errorf("Expected no dial while circuit open, got %d", dialer2.dialCount())
	}
}

func TestBridge_UpstreamClosure(t *testing.T) {
	inbound := newFakeInbound()
	session := newFakeSession()
	resolver := &fakeResolver{contexts: map[string]*contextstore.CallContext{
		"ctx-1": {ID: "ctx-1", Instructions: "hello"},
	}}
	dialer := &fakeDialer{session: session}

	b := New("ctx-1", inbound, resolver, dialer, testBreaker(), testConfig(), zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	waitFor(t, func() bool { return b.State() == StateStreaming }, "bridge never reached streaming")

	// Upstream ends the session; both legs must be released
	session.events <- realtime.Event{Type: realtime.EventClosed}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean close on upstream closure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not finish after upstream closed")
	}

	inbound.mu.Lock()
	closes := inbound.closes
	inbound.mu.Unlock()
	if closes == 0 {
		t.Error("Expected inbound leg closed after upstream closure")
	}
	if b.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", b.State())
	}
}

func TestBridge_ContextCancellation(t *testing.T) {
	inbound := newFakeInbound()
	session := newFakeSession()
	resolver := &fakeResolver{contexts: map[string]*contextstore.CallContext{
		"ctx-1": {ID: "ctx-1", Instructions: "hello"},
	}}
	dialer := &fakeDialer{session: session}

	b := New("ctx-1", inbound, resolver, dialer, testBreaker(), testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	waitFor(t, func() bool { return b.State() == StateStreaming }, "bridge never reached streaming")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean close on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not finish after cancellation")
	}
	if b.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", b.State())
	}
}

func TestBridge_TransportFailureForwardingAudio(t *testing.T) {
	inbound := newFakeInbound()
	session := newFakeSession()
	session.sendErr = errors.New("connection reset")
	resolver := &fakeResolver{contexts: map[string]*contextstore.CallContext{
		"ctx-1": {ID: "ctx-1", Instructions: "hello"},
	}}
	dialer := &fakeDialer{session: session}

	b := New("ctx-1", inbound, resolver, dialer, testBreaker(), testConfig(), zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	waitFor(t, func() bool { return b.State() == StateStreaming }, "bridge never reached streaming")
	inbound.events <- telephony.StreamEvent{
		Kind:  telephony.EventFrame,
		Frame: &codec.AudioFrame{PCM: []byte{0x01}, Seq: 1},
	}

	select {
	case err := <-done:
		var terr *TransportError
		if !errors.As(err, &terr) {
			t.Fatalf("Expected TransportError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not finish after transport failure")
	}
	if b.State() != StateFailed {
		t.Errorf("Expected StateFailed, got %v", b.State())
	}
}
