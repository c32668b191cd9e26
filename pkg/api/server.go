// Package api serves the read-only viewer: JSON endpoints over the store
// for campaigns, tickets, and session audit logs. The viewer never mutates
// anything; all writes go through the monitor, agent, and harness.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsloop/operator/pkg/eval"
	"github.com/opsloop/operator/pkg/store"
)

// Server is the viewer HTTP server.
type Server struct {
	store    *store.Store
	analyzer *eval.Analyzer
	engine   *gin.Engine
	log      *slog.Logger
}

// NewServer wires routes. The analyzer may be nil; the analysis endpoint
// then reports 503.
func NewServer(st *store.Store, analyzer *eval.Analyzer) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:    st,
		analyzer: analyzer,
		engine:   gin.New(),
		log:      slog.With("component", "viewer"),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", s.health)
	apiGroup := s.engine.Group("/api")
	{
		apiGroup.GET("/campaigns", s.listCampaigns)
		apiGroup.GET("/campaigns/:id", s.getCampaign)
		apiGroup.GET("/campaigns/:id/analysis", s.analyzeCampaign)
		apiGroup.GET("/tickets", s.listTickets)
		apiGroup.GET("/tickets/:id", s.getTicket)
		apiGroup.GET("/sessions/:id", s.getSession)
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("Viewer listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps store errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	var verr *store.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	default:
		s.log.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
