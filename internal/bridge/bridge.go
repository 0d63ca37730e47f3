package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/conneczen/voice-worker/internal/codec"
	"github.com/conneczen/voice-worker/internal/contextstore"
	"github.com/conneczen/voice-worker/internal/observability"
	"github.com/conneczen/voice-worker/internal/realtime"
	"github.com/conneczen/voice-worker/internal/resilience"
	"github.com/conneczen/voice-worker/internal/telephony"
)

// State is the bridge lifecycle position. Transitions only move forward;
// Failed is terminal and reachable from any non-terminal state.
type State int32

const (
	StateConnecting State = iota
	StateContextResolved
	StateSessionEstablished
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateContextResolved:
		return "context_resolved"
	case StateSessionEstablished:
		return "session_established"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ApologyMessage is the one-shot message written to the caller's leg when
// the bridge fails before any audio flows.
const ApologyMessage = "Sorry, we're unable to take your call right now. Please try again later."

// InboundStream is the caller-side leg as the bridge sees it: one
// normalized event stream in, frames and a one-shot apology out. Both the
// production telephony adapter and the dev harness adapter satisfy it.
type InboundStream interface {
	Events() <-chan telephony.StreamEvent
	WriteFrame(*codec.AudioFrame) error
	WriteApology(message string) error
	Close() error
}

// UpstreamSession is one established conversational session
type UpstreamSession interface {
	Events() <-chan realtime.Event
	SendAudio(*codec.AudioFrame) error
	Close() error
}

// SessionDialer opens upstream sessions. The bridge calls it exactly once
// per call, after resolution succeeds.
type SessionDialer interface {
	Dial(ctx context.Context, sess realtime.SessionOptions) (UpstreamSession, error)
}

// Config carries the per-bridge tunables, built once from service config
type Config struct {
	ResolveTimeout   time.Duration
	EstablishTimeout time.Duration
	Voice            string
	FrameQueueSize   int
}

// Bridge owns one inbound connection and at most one upstream session,
// 1:1 for the lifetime of the call. Closing either side tears down both.
type Bridge struct {
	contextID string
	inbound   InboundStream
	resolver  contextstore.Resolver
	dialer    SessionDialer
	breaker   *resilience.CircuitBreaker
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics

	state   atomic.Int32
	session UpstreamSession

	teardownOnce sync.Once
	closed       chan struct{}

	causeMu sync.Mutex
	cause   error
}

// New builds a bridge for one accepted inbound connection. Run drives it.
func New(contextID string, inbound InboundStream, resolver contextstore.Resolver, dialer SessionDialer, breaker *resilience.CircuitBreaker, cfg Config, logger zerolog.Logger) *Bridge {
	return &Bridge{
		contextID: contextID,
		inbound:   inbound,
		resolver:  resolver,
		dialer:    dialer,
		breaker:   breaker,
		cfg:       cfg,
		logger:    logger,
		metrics:   observability.NewBridgeMetrics(contextID),
		closed:    make(chan struct{}),
	}
}

// State returns the bridge's current lifecycle position
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.logger.Debug().Str("state", s.String()).Msg("Bridge state transition")
}

// Run drives the call end to end: resolve, establish, stream, teardown.
// It returns when both legs are released. The context cancels the whole
// call; cancellation mid-stream is a normal close, not a failure.
func (b *Bridge) Run(ctx context.Context) error {
	b.metrics.RecordBridgeStart()
	b.setState(StateConnecting)

	cc, err := b.resolve(ctx)
	if err != nil {
		return b.abort(&ResolutionError{ContextID: b.contextID, Err: err})
	}
	b.setState(StateContextResolved)

	session, err := b.establish(ctx, cc)
	if err != nil {
		return b.abort(&EstablishmentError{Err: err})
	}
	b.session = session
	b.setState(StateSessionEstablished)

	b.logger.Info().Msg("Call bridged, streaming")
	b.setState(StateStreaming)

	go func() {
		select {
		case <-ctx.Done():
			b.teardown(nil)
		case <-b.closed:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.pumpInbound()
	}()
	go func() {
		defer wg.Done()
		b.pumpOutbound()
	}()
	wg.Wait()

	b.teardown(nil)

	b.causeMu.Lock()
	cause := b.cause
	b.causeMu.Unlock()

	if cause != nil {
		b.setState(StateFailed)
		b.metrics.RecordBridgeEnd("failed")
		return cause
	}
	b.setState(StateClosed)
	b.metrics.RecordBridgeEnd("closed")
	return nil
}

// resolve looks up the call context within the resolve timeout
func (b *Bridge) resolve(ctx context.Context) (*contextstore.CallContext, error) {
	rctx, cancel := context.WithTimeout(ctx, b.cfg.ResolveTimeout)
	defer cancel()

	b.metrics.RecordResolveStart()
	cc, err := b.resolver.Resolve(rctx, b.contextID)
	switch {
	case err == nil:
		b.metrics.RecordResolveEnd("success")
	case errors.Is(err, contextstore.ErrNotFound):
		b.metrics.RecordResolveEnd("not_found")
	default:
		b.metrics.RecordResolveEnd("error")
	}
	return cc, err
}

// establish opens the upstream session within the establish timeout,
// behind the shared circuit breaker so new calls fail fast while the
// upstream service is down.
func (b *Bridge) establish(ctx context.Context, cc *contextstore.CallContext) (UpstreamSession, error) {
	ectx, cancel := context.WithTimeout(ctx, b.cfg.EstablishTimeout)
	defer cancel()

	b.metrics.RecordEstablishStart()

	var session UpstreamSession
	err := b.breaker.Call(func() error {
		var dialErr error
		session, dialErr = b.dialer.Dial(ectx, realtime.SessionOptions{
			Instructions: cc.Instructions,
			Voice:        b.cfg.Voice,
		})
		return dialErr
	})

	b.metrics.RecordEstablishEnd(err == nil)
	observability.UpdateCircuitBreakerState("realtime", int(b.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("realtime")
		return nil, err
	}
	return session, nil
}

// abort handles a pre-streaming failure: one apology to the caller, close
// the inbound leg, terminal Failed. No upstream session exists on the
// resolution path; on the establishment path none was returned.
func (b *Bridge) abort(cause error) error {
	b.logger.Error().Err(cause).Msg("Bridge failed before streaming")
	b.metrics.RecordError(errorType(cause), "bridge")

	// Drain the inbound events so its read loop can exit once closed
	go func() {
		for range b.inbound.Events() {
		}
	}()

	if err := b.inbound.WriteApology(ApologyMessage); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to deliver apology")
	}
	if err := b.inbound.Close(); err != nil {
		b.logger.Warn().Err((&TeardownError{Leg: "inbound", Err: err})).Msg("Inbound close failed")
	}

	b.setState(StateFailed)
	b.metrics.RecordBridgeEnd("failed")
	return cause
}

// pumpInbound forwards caller audio to the upstream session until the
// inbound leg ends. Frames arriving after closing begins are not
// forwarded.
func (b *Bridge) pumpInbound() {
	for ev := range b.inbound.Events() {
		switch ev.Kind {
		case telephony.EventStarted:
			b.logger.Info().
				Str("stream_sid", ev.StreamSID).
				Str("call_sid", ev.CallSID).
				Msg("Inbound media stream started")

		case telephony.EventFrame:
			if b.State() >= StateClosing {
				continue
			}
			if err := b.session.SendAudio(ev.Frame); err != nil {
				terr := &TransportError{Leg: "upstream", Err: err}
				b.logger.Error().Err(terr).Msg("Failed to forward caller audio")
				b.metrics.RecordError("transport_error", "bridge")
				b.teardown(terr)
				continue
			}
			b.metrics.RecordFrame(ev.Frame.Direction.String(), len(ev.Frame.PCM))

		case telephony.EventStopped:
			b.teardown(nil)
		}
	}
	// Inbound leg gone, release the upstream leg too
	b.teardown(nil)
}

// pumpOutbound forwards assistant audio to the caller until the upstream
// session ends. Writes are decoupled through a bounded queue so a stalled
// peer never blocks session event consumption; overflow drops are counted.
func (b *Bridge) pumpOutbound() {
	queue := make(chan *codec.AudioFrame, b.cfg.FrameQueueSize)

	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		for frame := range queue {
			if b.State() >= StateClosing {
				continue
			}
			if err := b.inbound.WriteFrame(frame); err != nil {
				terr := &TransportError{Leg: "inbound", Err: err}
				b.logger.Error().Err(terr).Msg("Failed to deliver assistant audio")
				b.metrics.RecordError("transport_error", "bridge")
				b.teardown(terr)
				continue
			}
			b.metrics.RecordFrame(frame.Direction.String(), len(frame.PCM))
		}
	}()

	for ev := range b.session.Events() {
		switch ev.Type {
		case realtime.EventAudio:
			select {
			case queue <- ev.Frame:
			default:
				b.metrics.RecordFrameDropped("out", "queue_overflow")
			}

		case realtime.EventTranscript:
			b.logger.Info().
				Str("event", ev.Name).
				Str("transcript", ev.Transcript).
				Msg("Session transcript")

		case realtime.EventError:
			b.logger.Warn().Err(ev.Err).Msg("Upstream session error")
			b.metrics.RecordError("upstream_error", "realtime")

		case realtime.EventClosed:
			if ev.Err != nil {
				b.logger.Warn().Err(ev.Err).Msg("Upstream session closed abnormally")
			}
			b.teardown(nil)

		default:
			b.logger.Debug().Str("event", ev.Name).Msg("Session lifecycle event")
		}
	}

	close(queue)
	writerWg.Wait()
	// Upstream leg gone, release the inbound leg too
	b.teardown(nil)
}

// teardown releases both legs exactly once. Failures during release are
// logged as teardown errors; the call is treated as released regardless.
func (b *Bridge) teardown(cause error) {
	b.teardownOnce.Do(func() {
		if cause != nil {
			b.causeMu.Lock()
			b.cause = cause
			b.causeMu.Unlock()
		}

		b.setState(StateClosing)
		close(b.closed)

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				b.logger.Warn().Err((&TeardownError{Leg: "upstream", Err: err})).Msg("Upstream close failed")
			}
		}
		if err := b.inbound.Close(); err != nil {
			b.logger.Warn().Err((&TeardownError{Leg: "inbound", Err: err})).Msg("Inbound close failed")
		}

		b.logger.Info().Msg("Bridge torn down")
	})
}

func errorType(err error) string {
	var rerr *ResolutionError
	var eerr *EstablishmentError
	switch {
	case errors.As(err, &rerr):
		return "resolution_error"
	case errors.As(err, &eerr):
		return "establishment_error"
	default:
		return "unknown_error"
	}
}
