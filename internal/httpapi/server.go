// Package httpapi exposes an engine over HTTP: JWT-authenticated JSON endpoints
// for search, follows and publishing, server-sent event streams of followed
// records, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/sink"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
)

// Version is reported by the health and root endpoints.
const Version = "1.0.0"

// DefaultKeepAlive is the interval between SSE keepalive comments.
const DefaultKeepAlive = 15 * time.Second

// ErrMissingSecret is returned when authentication is on without a signing secret.
var ErrMissingSecret = errors.New("secret key is required unless authentication is disabled")

// Config holds server configuration
type Config struct {
	Port            string
	SecretKey       string
	NoAuth          bool
	TokenDuration   time.Duration
	KeepAlive       time.Duration
	RecordRetention int
}

// SetDefaults applies default values to unset fields
func (c *Config) SetDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.TokenDuration <= 0 {
		c.TokenDuration = DefaultTokenDuration
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = DefaultRecordRetention
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.SecretKey == "" && !c.NoAuth {
		return ErrMissingSecret
	}
	return nil
}

// Server represents the HTTP API server
type Server struct {
	engine     engine.Engine
	jwtAuth    *JWTAuth
	store      *FollowStore
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     *zap.Logger
	gatherer   prometheus.Gatherer
	sink       sink.Sink
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSink also writes every followed record to s.
func WithSink(sk sink.Sink) Option {
	return func(s *Server) { s.sink = sk }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a new HTTP API server
func NewServer(eng engine.Engine, config Config, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.SetDefaults()

	server := &Server{
		engine:   eng,
		logger:   zap.NewNop(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(server)
	}
	server.logger = server.logger.Named("httpapi")

	server.jwtAuth = NewJWTAuth(config.SecretKey).WithDuration(config.TokenDuration)
	server.store = NewFollowStore(config.RecordRetention, server.sink, server.logger)
	server.handlers = NewHandlers(eng, server.store, server.jwtAuth, server.logger, config.KeepAlive)
	server.middleware = NewMiddleware(server.jwtAuth, config.NoAuth, server.logger)

	server.server = &http.Server{
		Addr:              ":" + config.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return server, nil
}

// Routes returns the router serving every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.middleware.Recovery)
	r.Use(s.middleware.Logging)
	r.Use(s.middleware.CORS)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get("/", s.handleRoot)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handlers.Login)
		r.Get("/health", s.handlers.Health)

		r.Group(func(r chi.Router) {
			r.Use(s.middleware.AuthRequired)
			r.Post("/search", s.handlers.Search)
			r.Post("/publish", s.handlers.Publish)

			r.Route("/follows", func(r chi.Router) {
				r.Get("/", s.handlers.ListFollows)
				r.Post("/", s.handlers.CreateFollow)
				r.Post("/find", s.handlers.FindAndFollow)
				r.Get("/{id}", s.handlers.GetFollow)
				r.Delete("/{id}", s.handlers.DeleteFollow)
				r.Get("/{id}/records", s.handlers.ReadRecords)
				r.Get("/{id}/stream", s.handlers.StreamRecords)
			})
		})

		r.With(s.middleware.AdminRequired).Get("/admin/follows", s.handlers.AdminListFollows)
	})

	return r
}

// Store returns the store holding followed records.
func (s *Server) Store() *FollowStore { return s.store }

// Auth returns the token issuer.
func (s *Server) Auth() *JWTAuth { return s.jwtAuth }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http api listening", zap.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	err := s.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server and ends every record stream.
func (s *Server) Stop(ctx context.Context) error {
	// Close the store first so SSE handlers return and Shutdown can finish.
	storeErr := s.store.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return storeErr
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"service":     "twinmesh gateway",
		"version":     Version,
		"description": "HTTP API for discovering, following and publishing digital twin feeds",
		"endpoints": map[string]any{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"search":  "POST /api/v1/search",
			"publish": "POST /api/v1/publish",
			"follows": map[string]string{
				"list":    "GET /api/v1/follows",
				"create":  "POST /api/v1/follows",
				"find":    "POST /api/v1/follows/find",
				"get":     "GET /api/v1/follows/{id}",
				"delete":  "DELETE /api/v1/follows/{id}",
				"records": "GET /api/v1/follows/{id}/records?offset={offset}&limit={limit}",
				"stream":  "GET /api/v1/follows/{id}/stream",
			},
			"admin": map[string]string{
				"follows": "GET /api/v1/admin/follows",
			},
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}
	writeJSON(w, info, http.StatusOK)
}
