// Package api exposes the engine over HTTP for internal callers.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/noisegate/internal/logger"
	"github.com/rewired-gh/noisegate/internal/models"
)

const tokenHeader = "X-Internal-Token"

// Service is the engine surface the API needs.
type Service interface {
	OnSnapshot(ctx context.Context, snap models.Snapshot) (models.Decision, error)
	State(ctx context.Context, subject models.Subject) (models.State, error)
}

// Server serves health, metrics and internal alert endpoints.
type Server struct {
	svc      Service
	token    string
	gatherer prometheus.Gatherer
	ready    atomic.Bool
	engine   *gin.Engine
	srv      *http.Server
}

// NewServer builds the router. An empty token disables the internal routes.
func NewServer(svc Service, token string, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		svc:      svc,
		token:    token,
		gatherer: gatherer,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/livez", s.handleLive)
	s.engine.GET("/readyz", s.handleReady)
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	internal := s.engine.Group("/internal/alerts", s.requireToken)
	internal.POST("/snapshot", s.handleSnapshot)
	internal.GET("/state", s.handleState)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetReady flips the readiness check.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped: %v", err)
		}
	}()
	logger.Info("HTTP server listening on %s", ln.Addr())
	return nil
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLive(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.String(http.StatusServiceUnavailable, "not ready")
		return
	}
	c.String(http.StatusOK, "ready")
}

func (s *Server) requireToken(c *gin.Context) {
	if s.token == "" {
		abort(c, http.StatusServiceUnavailable, "internal API disabled")
		return
	}
	got := c.GetHeader(tokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		abort(c, http.StatusForbidden, "forbidden")
		return
	}
	c.Next()
}

func (s *Server) handleSnapshot(c *gin.Context) {
	var snap models.Snapshot
	if err := sonic.ConfigDefault.NewDecoder(c.Request.Body).Decode(&snap); err != nil {
		abort(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	d, err := s.svc.OnSnapshot(c.Request.Context(), snap)
	if errors.Is(err, models.ErrInvalidSnapshot) {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger.Error("Snapshot for %s failed: %v", snap.Subject, err)
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, newDecisionDTO(d))
}

func (s *Server) handleState(c *gin.Context) {
	subject, err := models.ParseSubject(c.Query("subject"))
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.svc.State(c.Request.Context(), subject)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, stateDTO{Subject: subject.Key(), State: newStateBody(st)})
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
