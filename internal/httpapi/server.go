// Package httpapi is the HTTP/SSE transport over the turn engine and the
// persistence layer.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shrimp-assistant/shrimp/internal/channels"
	"github.com/shrimp-assistant/shrimp/internal/config"
	"github.com/shrimp-assistant/shrimp/internal/shell"
	"github.com/shrimp-assistant/shrimp/internal/store"
	"github.com/shrimp-assistant/shrimp/internal/turn"
)

type Server struct {
	cfg      *config.Config
	store    *store.Store
	orch     *turn.Orchestrator
	shells   *shell.Manager
	channels *channels.Manager
	logger   *slog.Logger
	engine   *gin.Engine
}

type Options struct {
	Config   *config.Config
	Store    *store.Store
	Turn     *turn.Orchestrator
	Shells   *shell.Manager
	Channels *channels.Manager
	Logger   *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Store == nil || opts.Turn == nil || opts.Shells == nil {
		return nil, errors.New("httpapi: missing collaborator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		orch:     opts.Turn,
		shells:   opts.Shells,
		channels: opts.Channels,
		logger:   logger,
		engine:   engine,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.POST("/chat/stream", s.chatStream)

	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:id", s.getConversation)
	api.PATCH("/conversations/:id", s.renameConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)

	api.PATCH("/messages/:id", s.updateMessage)
	api.DELETE("/messages/:id", s.deleteMessage)

	api.GET("/runtime", s.runtime)

	api.GET("/channels/status", s.channelStatus)
	api.POST("/channels/start", s.channelStart)

	api.GET("/jobs", s.listJobs)
	api.POST("/jobs", s.createJob)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": msg})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
