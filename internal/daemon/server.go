package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgesession/internal/auth"
	"github.com/danmuck/edgesession/internal/observability"
	"github.com/danmuck/edgesession/internal/spawn"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ServerConfig configures the daemon control surface.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: "127.0.0.1:7400"}
}

func (c ServerConfig) WithDefaults() ServerConfig {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultServerConfig().Addr
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:3000"}
	}
	return c
}

// Coordinator is the spawn surface the daemon exposes.
type Coordinator interface {
	Launch(ctx context.Context, req spawn.LaunchRequest) (spawn.Launch, error)
	SessionStarted(s spawn.SessionStarted) error
	Get(tag string) (spawn.Launch, bool)
	List() []spawn.Launch
	Stop(pid int) error
}

type errorBody struct {
	Error string `json:"error"`
}

// launchFailedBody carries *spawn.LaunchFailedError across HTTP.
type launchFailedBody struct {
	Error             string `json:"error"`
	Tag               string `json:"tag"`
	PID               int    `json:"pid"`
	ExitCode          int32  `json:"exitCode"`
	SessionRegistered bool   `json:"sessionRegistered"`
	SessionID         string `json:"sessionId,omitempty"`
}

type Server struct {
	cfg       ServerConfig
	coord     Coordinator
	validator auth.Validator
	router    *gin.Engine
	appeared  time.Time
}

// NewServer builds the daemon HTTP surface. A nil validator accepts every
// request.
func NewServer(cfg ServerConfig, coord Coordinator, validator auth.Validator) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTP("daemon"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, coord: coord, validator: validator, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("daemon.Serve addr=%s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.appeared).String(),
			"role":   "daemon",
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1", s.requireToken)
	v1.POST("/launches", s.handleLaunch)
	v1.GET("/launches", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"launches": s.coord.List()})
	})
	v1.GET("/launches/:tag", func(c *gin.Context) {
		l, ok := s.coord.Get(c.Param("tag"))
		if !ok {
			c.JSON(http.StatusNotFound, errorBody{Error: "launch not found"})
			return
		}
		c.JSON(http.StatusOK, l)
	})
	v1.POST("/processes/:pid/stop", s.handleStop)
	v1.POST("/session-started", s.handleSessionStarted)
}

func (s *Server) requireToken(c *gin.Context) {
	if s.validator == nil {
		c.Next()
		return
	}
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok || s.validator.Validate(token) != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleLaunch(c *gin.Context) {
	var req spawn.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	l, err := s.coord.Launch(c.Request.Context(), req)
	var failed *spawn.LaunchFailedError
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, l)
	case errors.Is(err, spawn.ErrTagActive):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &failed):
		c.JSON(http.StatusBadGateway, launchFailedBody{
			Error:             failed.Err.Error(),
			Tag:               failed.Tag,
			PID:               failed.PID,
			ExitCode:          failed.ExitCode,
			SessionRegistered: failed.SessionRegistered,
			SessionID:         failed.SessionID,
		})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (s *Server) handleStop(c *gin.Context) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid pid"})
		return
	}
	err = s.coord.Stop(pid)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "stopping", "pid": pid})
	case errors.Is(err, spawn.ErrUnknownPID):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, spawn.ErrLaunchNotActive):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (s *Server) handleSessionStarted(c *gin.Context) {
	var req spawn.SessionStarted
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	err := s.coord.SessionStarted(req)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, spawn.ErrInvalidStarted):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, spawn.ErrUnknownLaunch):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, spawn.ErrLaunchNotActive):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}
