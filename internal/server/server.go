package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/conneczen/voice-worker/internal/bridge"
	"github.com/conneczen/voice-worker/internal/config"
	"github.com/conneczen/voice-worker/internal/contextstore"
	"github.com/conneczen/voice-worker/internal/observability"
	"github.com/conneczen/voice-worker/internal/realtime"
	"github.com/conneczen/voice-worker/internal/resilience"
	"github.com/conneczen/voice-worker/internal/telephony"
)

// Server wires inbound connections to bridges. One bridge per accepted
// connection; the shared resolver, dialer, and circuit breaker are built
// once at process start.
type Server struct {
	cfg      *config.Config
	resolver contextstore.Resolver
	dialer   bridge.SessionDialer
	breaker  *resilience.CircuitBreaker
	upgrader websocket.Upgrader
}

// New builds the connection server
func New(cfg *config.Config, resolver contextstore.Resolver, dialer bridge.SessionDialer, breaker *resilience.CircuitBreaker) *Server {
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		dialer:   dialer,
		breaker:  breaker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.AudioBufferSize,
			WriteBufferSize: cfg.AudioBufferSize,
			// The telephony provider sets no browser origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) bridgeConfig() bridge.Config {
	return bridge.Config{
		ResolveTimeout:   time.Duration(s.cfg.ResolveTimeout) * time.Second,
		EstablishTimeout: time.Duration(s.cfg.EstablishTimeout) * time.Second,
		Voice:            s.cfg.RealtimeVoice,
		FrameQueueSize:   s.cfg.FrameQueueSize,
	}
}

// MediaStreamHandler accepts the telephony provider's media stream
// connections. A missing or blank contextId is rejected before upgrade;
// everything after the upgrade is owned by one bridge.
func (s *Server) MediaStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contextID := strings.TrimSpace(r.URL.Query().Get("contextId"))
		if contextID == "" {
			http.Error(w, "missing contextId", http.StatusBadRequest)
			return
		}

		logger := observability.WithCorrelationID("").With().
			Str("context_id", contextID).
			Str("path", r.URL.Path).
			Logger()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		logger.Info().Msg("Media stream connection accepted")

		adapter := telephony.NewStreamAdapter(conn, logger, observability.NewBridgeMetrics(contextID))
		go adapter.ReadLoop()

		s.runBridge(contextID, adapter, logger)
	}
}

// HarnessHandler accepts dev harness connections speaking the flattened
// audio_chunk/audio shapes against the same bridge. Only mounted when the
// harness is enabled.
func (s *Server) HarnessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contextID := strings.TrimSpace(r.URL.Query().Get("contextId"))
		if contextID == "" {
			http.Error(w, "missing contextId", http.StatusBadRequest)
			return
		}

		logger := observability.WithCorrelationID("").With().
			Str("context_id", contextID).
			Str("path", r.URL.Path).
			Logger()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		logger.Info().Msg("Harness connection accepted")

		adapter := telephony.NewHarnessAdapter(conn, logger, observability.NewBridgeMetrics(contextID))
		go adapter.ReadLoop()

		s.runBridge(contextID, adapter, logger)
	}
}

// runBridge drives one call to completion. The bridge's own lifecycle
// decides when this returns; the request context is not used because the
// connection is hijacked by the upgrade.
func (s *Server) runBridge(contextID string, inbound bridge.InboundStream, logger zerolog.Logger) {
	b := bridge.New(contextID, inbound, s.resolver, s.dialer, s.breaker, s.bridgeConfig(), logger)
	if err := b.Run(context.Background()); err != nil {
		logger.Error().Err(err).Str("state", b.State().String()).Msg("Call ended with failure")
		return
	}
	logger.Info().Msg("Call ended")
}

// TwiMLHandler answers the telephony provider's webhook when a call is
// placed: it returns the connect document pointing the provider's media
// stream at this worker, carrying the contextId through the stream URL.
func (s *Server) TwiMLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		contextID := strings.TrimSpace(r.URL.Query().Get("contextId"))
		if contextID == "" {
			contextID = strings.TrimSpace(r.FormValue("contextId"))
		}
		if contextID == "" {
			http.Error(w, "missing contextId", http.StatusBadRequest)
			return
		}

		host := s.streamHost(r)
		streamURL := fmt.Sprintf("wss://%s/media-stream?contextId=%s", host, url.QueryEscape(contextID))

		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say>Connecting you now.</Say>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>
`, streamURL)
	}
}

// streamHost picks the externally reachable host for the media stream URL:
// the configured public base URL when set, the request host otherwise.
func (s *Server) streamHost(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		if u, err := url.Parse(s.cfg.PublicBaseURL); err == nil && u.Host != "" {
			return u.Host
		}
		return strings.TrimPrefix(strings.TrimPrefix(s.cfg.PublicBaseURL, "https://"), "http://")
	}
	return r.Host
}

// RealtimeDialer adapts the realtime client to the bridge's dialer
// interface using the process-wide endpoint options.
type RealtimeDialer struct {
	opts   realtime.Options
	logger zerolog.Logger
}

func NewRealtimeDialer(opts realtime.Options, logger zerolog.Logger) *RealtimeDialer {
	return &RealtimeDialer{opts: opts, logger: logger}
}

func (d *RealtimeDialer) Dial(ctx context.Context, sess realtime.SessionOptions) (bridge.UpstreamSession, error) {
	session, err := realtime.Dial(ctx, d.opts, sess, d.logger)
	if err != nil {
		return nil, err
	}
	return session, nil
}
