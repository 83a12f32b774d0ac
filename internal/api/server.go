// Package api is the HTTP chat transport: the chat endpoint, health and a
// read-only view of stored sessions.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/user/calclaw/internal/gateway"
	"github.com/user/calclaw/internal/instrumentation"
	"github.com/user/calclaw/internal/types"
)

// ChatFunc delivers one message and waits for the reply.
type ChatFunc func(ctx context.Context, msg *types.InboundMessage) (*gateway.Reply, error)

// Options configures a Server.
type Options struct {
	// RateLimit is requests per second allowed per client IP. Zero
	// disables limiting.
	RateLimit float64
	Burst     int
	// ReplyTimeout bounds how long a request waits for its reply.
	ReplyTimeout time.Duration
	Metrics      *instrumentation.Metrics
	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler
}

// Server routes HTTP requests to the gateway.
type Server struct {
	chat     ChatFunc
	sessions types.SessionStore
	opts     Options
	router   *gin.Engine
}

// NewServer builds the router. chat is usually Gateway.Chat.
func NewServer(chat ChatFunc, sessions types.SessionStore, opts Options) *Server {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 2 * time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = instrumentation.Noop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Authorization", "Content-Type", headerRequestID},
		ExposeHeaders:   []string{"Content-Length", headerRequestID},
		MaxAge:          12 * time.Hour,
	}))
	router.Use(requestID(), requestLogger(), recordMetrics(opts.Metrics))

	s := &Server{chat: chat, sessions: sessions, opts: opts, router: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.MetricsHandler))
	}

	v1 := s.router.Group("/api/v1/chat")
	if s.opts.RateLimit > 0 {
		v1.Use(rateLimit(newLimiterStore(rate.Limit(s.opts.RateLimit), s.opts.Burst)))
	}
	v1.POST("/message", s.handleMessage)

	debug := s.router.Group("/api/sessions")
	debug.GET("", s.handleSessions)
	debug.GET("/:id/turns", s.handleTurns)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
