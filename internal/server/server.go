// Package server wires the gin router: middleware, the messages endpoint
// and the operational surfaces around the account pool.
package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/internal/pool"
	"github.com/crosswire-dev/crosswire/internal/stats"
	"github.com/crosswire-dev/crosswire/internal/upstream"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// Server is the HTTP front-end.
type Server struct {
	engine   *gin.Engine
	pool     *pool.Manager
	client   *upstream.Client
	recorder *stats.Recorder
}

// New assembles the router. recorder may be nil when redis is off.
func New(p *pool.Manager, client *upstream.Client, recorder *stats.Recorder) *Server {
	if !config.Get().Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.SetTrustedProxies(nil)

	s := &Server{
		engine:   engine,
		pool:     p,
		client:   client,
		recorder: recorder,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(CORS())
	s.engine.Use(RequestLogging())
	s.engine.Use(BodyLimit(config.RequestBodyLimit))

	s.engine.GET("/health", s.handleHealth)

	authed := s.engine.Group("/", APIKeyAuth())
	authed.POST("/v1/messages", s.handleMessages)
	authed.POST("/v1/messages/count_tokens", s.handleCountTokens)
	authed.GET("/v1/models", s.handleModels)
	authed.GET("/account-limits", s.handleAccountLimits)
	authed.POST("/accounts/reload", s.handleAccountsReload)
	authed.POST("/refresh-token", s.handleRefreshToken)
	authed.GET("/usage", s.handleUsage)
	authed.POST("/test/clear-signature-cache", s.handleClearSignatureCache)

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound,
			anthropic.NewErrorResponse("not_found_error", "unknown endpoint: "+c.Request.URL.Path))
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	cfg := config.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logging.Success("Listening on http://%s", addr)
	return s.engine.Run(addr)
}
