package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/monitor"
	"execution-core/internal/positions"
	"execution-core/internal/ratelimit"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/db"
)

// PositionSource reads the mental position store.
type PositionSource interface {
	All() (map[string]positions.Position, error)
	GetPosition(symbol string) (*positions.Position, error)
}

// Ledger lists open child orders.
type Ledger interface {
	ListOpen(ctx context.Context) ([]db.ChildOrder, error)
}

// ExecutionLog lists recent executions.
type ExecutionLog interface {
	Recent(ctx context.Context, limit int) ([]db.ExecutedOrder, error)
}

// RunLog reads persisted reconciliation runs.
type RunLog interface {
	LastRun(ctx context.Context) (*db.ReconciliationRun, error)
}

// CycleSource reports the in-process reconciliation summary.
type CycleSource interface {
	Last() *reconciliation.CycleSummary
}

// GuardStatus reports the instance guard state.
type GuardStatus interface {
	Status(ctx context.Context) guard.Status
}

// LimiterStats reports order admission counters.
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// Deps are the read-only sources behind the status surface. Any may be nil.
type Deps struct {
	Bus        *events.Bus
	Positions  PositionSource
	Ledger     Ledger
	Executions ExecutionLog
	Runs       RunLog
	Cycles     CycleSource
	Guard      GuardStatus
	Limiter    LimiterStats
	Metrics    *monitor.Metrics
	Alerts     *monitor.Recent
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Mode          string    `json:"mode"`
	ExecutionMode string    `json:"execution_mode"`
	Venue         string    `json:"venue"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
}

// Server wires HTTP endpoints around the engine's read models.
type Server struct {
	Router    *gin.Engine
	deps      Deps
	meta      SystemMeta
	jwtSecret string
	logger    zerolog.Logger
	http      *http.Server
}

// NewServer builds the router. An empty jwtSecret leaves /api open.
func NewServer(deps Deps, meta SystemMeta, jwtSecret string, logger zerolog.Logger) *Server {
	r := gin.New()
	logger = logger.With().Str("component", "api").Logger()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Request-ID"}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50), logger))
	r.Use(cors.New(corsConfig))

	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	s := &Server{Router: r, deps: deps, meta: meta, jwtSecret: jwtSecret, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.deps.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	if s.jwtSecret != "" {
		api.Use(AuthMiddleware(s.jwtSecret))
	}
	{
		api.GET("/status", s.getStatus)
		api.GET("/reconciliation/last", s.getLastReconciliation)
		api.GET("/positions", s.getPositions)
		api.GET("/positions/:symbol", s.getPosition)
		api.GET("/orders/pending", s.getPendingOrders)
		api.GET("/executions", s.getExecutions)
	}

	ws := s.Router.Group("/ws")
	if s.jwtSecret != "" {
		ws.Use(AuthMiddleware(s.jwtSecret))
	}
	ws.GET("", s.websocket)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": s.meta.Mode})
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("status API listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
