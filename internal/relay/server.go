package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairwave/callkit/internal/config"
	"github.com/pairwave/callkit/internal/metrics"
	"github.com/pairwave/callkit/internal/origin"
	"github.com/pairwave/callkit/internal/ratelimit"
	"github.com/pairwave/callkit/internal/signal"
	"github.com/pairwave/callkit/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server is the relay's HTTP surface: the websocket signaling endpoint plus
// health, version, counter-dump and ICE-configuration routes.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	hub     *Hub
	build   BuildInfo
	turn    *turnrest.Generator

	upgrader websocket.Upgrader
	ready    atomic.Bool

	handler http.Handler
	srv     *http.Server
}

func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, build BuildInfo) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var turn *turnrest.Generator
	if cfg.TurnREST.Enabled() {
		var err error
		turn, err = turnrest.New(turnrest.Config{
			SharedSecret:   cfg.TurnREST.SharedSecret,
			TTLSeconds:     cfg.TurnREST.TTLSeconds,
			UsernamePrefix: cfg.TurnREST.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		hub:     NewHub(logger, m),
		build:   build,
		turn:    turn,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.handler = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No global read/write timeouts: /ws connections are long-lived.
	}
	return s, nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub exposes the peer registry, for readiness probes and tests.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("relay serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.build)
	})
	r.Get("/metricsz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot())
	})
	r.With(s.originPolicy).Get("/webrtc/ice", s.handleICE)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peerID := strings.TrimSpace(r.URL.Query().Get("peer"))
	if !validPeerID(peerID) {
		http.Error(w, "missing or invalid peer id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	rate := int64(s.cfg.MaxSignalingMessagesPerSecond)
	c := &client{
		peerID:  peerID,
		connID:  uuid.NewString(),
		conn:    conn,
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate),
	}

	if old := s.hub.register(c); old != nil {
		old.writeClose(websocket.ClosePolicyViolation, "superseded by new connection")
		_ = old.conn.Close()
	}
	s.metrics.Inc(metrics.RelayConnections)
	s.log.Info("peer connected", "peer", peerID, "conn_id", c.connID, "remote_addr", r.RemoteAddr)

	s.readLoop(c)

	s.hub.unregister(c)
	_ = conn.Close()
	s.metrics.Inc(metrics.RelayDisconnections)
	s.log.Info("peer disconnected", "peer", peerID, "conn_id", c.connID)
}

func (s *Server) readLoop(c *client) {
	idle := s.cfg.SignalingWSIdleTimeout
	c.conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			continue
		}

		if !c.limiter.Allow(1) {
			s.metrics.Inc(metrics.RelayRateLimited)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := signal.ParseMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.RelayBadMessage)
			c.writeClose(websocket.CloseUnsupportedData, "invalid message")
			return
		}
		if msg.From != c.peerID {
			s.metrics.Inc(metrics.RelayBadMessage)
			c.writeClose(websocket.ClosePolicyViolation, "sender identity mismatch")
			return
		}

		s.hub.route(msg)
	}
}

func (s *Server) handleICE(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.PeerConnectionICEServers()
	resp := map[string]any{"iceServers": servers}
	if s.turn != nil {
		creds, err := s.turn.GenerateRandom()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint turn credentials"})
			return
		}
		resp["iceServers"] = withTURNCredentials(servers, creds.Username, creds.Credential)
		resp["ttl"] = s.cfg.TurnREST.TTLSeconds
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		// non-browser clients
		return true
	}
	norm, host, ok := origin.Normalize(header)
	return ok && origin.Allowed(norm, host, r.Host, s.cfg.AllowedOrigins)
}

// originPolicy enforces the Origin allowlist on plain HTTP routes and emits
// the matching CORS headers, including basic preflight support.
func (s *Server) originPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		norm, host, ok := origin.Normalize(header)
		if !ok || !origin.Allowed(norm, host, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", norm)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// chi's wrapper keeps http.Hijacker intact for the websocket upgrade.
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func validPeerID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '@':
		default:
			return false
		}
	}
	return true
}
