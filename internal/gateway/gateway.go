// Package gateway is the HTTP surface of showrunner. It validates input,
// hands work to the orchestrator and maps results and errors to status
// codes. It holds no business logic of its own.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/showrunner/internal/broadcast"
	"github.com/nadzzz/showrunner/internal/health"
	"github.com/nadzzz/showrunner/internal/session"

	_ "github.com/nadzzz/showrunner/internal/gateway/docs"
)

// Orchestrator starts and cancels generation sessions.
type Orchestrator interface {
	Submit(ctx context.Context, params session.Params) (*session.Session, <-chan struct{}, error)
	Cancel(ctx context.Context, id string) (*session.Session, error)
}

// Sessions is the read side of the session store.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, filter session.Filter) ([]session.Summary, error)
}

// Health is the read side of the health aggregator.
type Health interface {
	Readiness() (bool, []string)
	Snapshot() map[string]health.ServiceHealth
}

// Subscriber streams session events.
type Subscriber interface {
	Subscribe(topic string) (<-chan session.Event, func())
}

// Config controls the gateway.
type Config struct {
	Port        int
	SyncWindow  time.Duration
	SyncMaxNews int
	CORSOrigins []string
	Limits      broadcast.RequestLimits
}

// Server serves the gateway API.
type Server struct {
	cfg      Config
	orch     Orchestrator
	sessions Sessions
	health   Health
	events   Subscriber
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	server *http.Server
}

// New creates the gateway. events may be nil, which disables the stream endpoint.
func New(cfg Config, orch Orchestrator, sessions Sessions, h Health, events Subscriber, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		sessions: sessions,
		health:   h,
		events:   events,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	if len(s.cfg.CORSOrigins) > 0 {
		cc := cors.Config{
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}
		if len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*" {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = s.cfg.CORSOrigins
		}
		r.Use(cors.New(cc))
	}

	api := r.Group("/api/v1/shows")
	api.POST("/generate", s.handleGenerate)
	api.GET("", s.handleList)
	api.GET("/:session_id", s.handleGet)
	api.POST("/:session_id/cancel", s.handleCancel)
	if s.events != nil {
		api.GET("/:session_id/events", s.handleEvents)
	}

	r.GET("/healthz", s.handleLiveness)
	r.GET("/health", s.handleHealth)
	r.GET("/services/status", s.handleServices)

	r.GET("/swagger/*any", gin.WrapH(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	)))
	return r
}

// ListenAndServe starts the HTTP server. It blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Int("port", s.cfg.Port).Msg("gateway listening")

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
