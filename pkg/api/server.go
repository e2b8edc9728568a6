// Package api exposes missions and workspaces over HTTP: a JSON REST surface,
// a Server-Sent Events live stream and an equivalent WebSocket feed.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/odvcencio/missionctl/pkg/config"
	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/events"
	"github.com/odvcencio/missionctl/pkg/hub"
	"github.com/odvcencio/missionctl/pkg/logging"
	"github.com/odvcencio/missionctl/pkg/mission"
	"github.com/odvcencio/missionctl/pkg/telemetry"
	"github.com/odvcencio/missionctl/pkg/workspace"
)

// DefaultHeartbeat is the interval between keep-alive frames on live streams.
const DefaultHeartbeat = 15 * time.Second

// MissionService is the mission surface the API serves.
type MissionService interface {
	Create(ctx context.Context, req mission.CreateRequest) (*mission.Mission, error)
	Get(ctx context.Context, id string) (*mission.Mission, error)
	List(ctx context.Context, opts mission.ListOptions) ([]*mission.Mission, error)
	Events(ctx context.Context, id string, opts events.QueryOptions) ([]events.Event, error)
	Subscribe(ctx context.Context, id string) (*hub.Subscription, *mission.Mission, error)
	Cancel(ctx context.Context, id string) (*mission.Mission, error)
}

// WorkspaceService is the workspace surface the API serves.
type WorkspaceService interface {
	Create(ctx context.Context, req workspace.CreateRequest) (*workspace.Workspace, error)
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
	List(ctx context.Context) ([]*workspace.Workspace, error)
	Delete(ctx context.Context, id string) (*workspace.Workspace, error)
	Retry(ctx context.Context, id string) (*workspace.Workspace, error)
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: config.DefaultListenAddr)
	Address    string
	API        config.APIConfig
	Missions   MissionService
	Workspaces WorkspaceService
	Logger     *slog.Logger
	// Heartbeat overrides DefaultHeartbeat.
	Heartbeat time.Duration
	// Ready reports whether dependencies are healthy; nil means always ready.
	Ready func(ctx context.Context) error
	// DisableMetrics drops the /metrics route.
	DisableMetrics bool
}

// Server is the missionctl API server.
type Server struct {
	missions   MissionService
	workspaces WorkspaceService
	logger     *slog.Logger
	authToken  string
	maxBody    int64
	limiter    *rate.Limiter
	heartbeat  time.Duration
	streams    *streamLimiter
	ready      func(ctx context.Context) error
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = config.DefaultListenAddr
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	createRate := cfg.API.CreateRate
	if createRate <= 0 {
		createRate = config.DefaultCreateRate
	}
	burst := cfg.API.CreateBurst
	if burst <= 0 {
		burst = config.DefaultCreateBurst
	}
	maxBody := cfg.API.MaxBodySize
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	s := &Server{
		missions:   cfg.Missions,
		workspaces: cfg.Workspaces,
		logger:     logging.Component(cfg.Logger, "api"),
		authToken:  strings.TrimSpace(cfg.API.AuthToken),
		maxBody:    maxBody,
		limiter:    rate.NewLimiter(rate.Limit(createRate), burst),
		heartbeat:  cfg.Heartbeat,
		streams:    newStreamLimiter(cfg.API.MaxStreams),
		ready:      cfg.Ready,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.loggingMiddleware)
	router.Use(securityHeadersMiddleware)

	// Public endpoints
	router.Get("/healthz", s.handleHealthz)
	if !cfg.DisableMetrics {
		router.Method(http.MethodGet, "/metrics", telemetry.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/missions", func(r chi.Router) {
			r.With(s.createRateLimit).Post("/", s.handleCreateMission)
			r.Get("/", s.handleListMissions)
			r.Get("/{id}", s.handleGetMission)
			r.Get("/{id}/events", s.handleMissionEvents)
			r.With(s.limitStreams).Get("/{id}/stream", s.handleMissionStream)
			r.With(s.limitStreams).Get("/{id}/ws", s.handleMissionWebSocket)
			r.Post("/{id}/cancel", s.handleCancelMission)
		})

		r.Route("/workspaces", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkspace)
			r.Get("/", s.handleListWorkspaces)
			r.Get("/{id}", s.handleGetWorkspace)
			r.Delete("/{id}", s.handleDeleteWorkspace)
			r.Post("/{id}/retry", s.handleRetryWorkspace)
		})
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, merrors.Newf(merrors.ErrCodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
			Kind:    string(merrors.ErrCodeInvalidInput),
			Message: "method not allowed",
		}})
	})

	s.handler = router
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: live streams are long-lived
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on the configured address.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}
	want := []byte(s.authToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := extractBearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="missionctl"`)
			writeError(w, merrors.New(merrors.ErrCodeUnauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, merrors.New(merrors.ErrCodeRateLimited, "mission creation rate exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken reads the Authorization header, falling back to the
// token query parameter for clients that cannot set headers (EventSource,
// browsers opening WebSockets).
func extractBearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Helpers

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return merrors.Newf(merrors.ErrCodeInvalidInput, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
