package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/sandbox"
)

// HealthChecker reports whether the container engine answers.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front end of the executor.
type Server struct {
	logger *zap.Logger
	addr   string
	router *gin.Engine
	srv    *http.Server
	bound  net.Addr
	done   chan struct{}
}

// ginMetrics registers the request collectors once per process; the
// prometheus default registry rejects duplicates.
var ginMetrics = sync.OnceValue(func() gin.HandlerFunc {
	p := ginprometheus.NewWithConfig(ginprometheus.Config{
		Subsystem:          "gin",
		DisableBodyReading: true,
	})
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		return c.FullPath()
	}
	return p.HandlerFunc()
})

// New builds the router. mcp may be nil, in which case /mcp is not mounted.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	executor sandbox.SandboxExecutor,
	languages *language.Registry,
	health HealthChecker,
	mcp *mcpserver.MCPServer,
) *Server {
	logger = logger.Named("http")

	if cfg.Server.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, "", false))
	r.Use(ginzap.RecoveryWithZap(logger, true))
	r.Use(ginMetrics())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handle{
		logger:    logger,
		maxBody:   maxBodyBytes(cfg),
		executor:  executor,
		languages: languages,
		health:    health,
	}
	h.Register(r)

	if mcp != nil && cfg.Server.MCPEnabled {
		mcpHandler := gin.WrapH(mcp.Handler())
		r.Any(mcpserver.EndpointPath, mcpHandler)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	return &Server{
		logger: logger,
		addr:   addr,
		router: r,
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// defaultMaxBodyKB applies when the config leaves server.max_body_kb unset.
const defaultMaxBodyKB = 2048

func maxBodyBytes(cfg *config.Config) int64 {
	kb := cfg.Server.MaxBodyKB
	if kb <= 0 {
		kb = defaultMaxBodyKB
	}
	return int64(kb) * 1024
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.bound = lis.Addr()
	s.logger.Info("Starting http server", zap.String("addr", s.bound.String()))

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			s.logger.Info("Http server stopped", zap.Error(err))
		} else {
			s.logger.Error("Http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.bound
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Http server shutting down")
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
