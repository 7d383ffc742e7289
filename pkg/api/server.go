package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

// Backend is the part of the reconciliation loop the API talks to.
type Backend interface {
	engine.SnapshotSource
	engine.Submitter
}

// Config configures the HTTP server.
type Config struct {
	// Listen is the server address.
	Listen string

	// RateLimit is the number of intents accepted per second. Zero is unlimited.
	RateLimit float64

	// Burst is the intent burst size.
	Burst int

	// StreamInterval is how often a stream checks for a new snapshot.
	StreamInterval time.Duration

	// SubmitTimeout bounds how long an intent waits for its acknowledgment.
	SubmitTimeout time.Duration
}

// Server is the presentation boundary: snapshot reads, intent submission
// and a websocket snapshot stream.
type Server struct {
	cfg      Config
	backend  Backend
	metrics  *telemetry.Metrics
	log      *telemetry.Logger
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	router   *gin.Engine
}

// NewServer builds the server and its routes. metrics may be nil.
func NewServer(cfg Config, backend Backend, metrics *telemetry.Metrics, log *telemetry.Logger) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 250 * time.Millisecond
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if log == nil {
		log = telemetry.NewNopLogger()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		metrics: metrics,
		log:     log.NewComponentLogger("api"),
		limiter: rate.NewLimiter(limit, burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.Routes()
	return s
}

// Routes registers every endpoint on a fresh gin engine.
//
//	GET    /healthz          liveness and degraded flag
//	GET    /v1/snapshot      latest snapshot
//	POST   /v1/units         deploy a unit
//	DELETE /v1/units/:id     delete a unit
//	GET    /v1/stream        websocket snapshot stream
//	GET    /metrics          Prometheus metrics
func (s *Server) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/v1")
	v1.GET("/snapshot", s.handleSnapshot)
	v1.GET("/stream", s.handleStream)

	intents := v1.Group("/units", s.rateLimit())
	intents.POST("", s.handleDeploy)
	intents.DELETE("/:id", s.handleDelete)

	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("api listening on %s", s.cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.
			WithField("method", c.Request.Method).
			WithField("path", c.FullPath()).
			WithField("status", c.Writer.Status()).
			WithField("duration", time.Since(start)).
			Debug("request")
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RecordError("validation", engine.ErrCodeRateLimited)
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Class:   string(engine.ErrorClassValidation),
				Code:    engine.ErrCodeRateLimited,
				Message: "too many intents",
			})
			return
		}
		c.Next()
	}
}
