// Package api is the controller's REST surface. It translates HTTP into
// orchestrator calls and repository reads; every mutation goes through the
// orchestrator so the API layer never touches agent state directly.
//
// Identity arrives as the X-User-ID header injected by the upstream auth
// proxy. The client IP for quota windows comes from X-Forwarded-For with a
// RemoteAddr fallback.
package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/repository"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/httpmw"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/version"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub004/internal/gateway"
	"github.com/ariana-dot-dev/ariana-sub004/internal/metrics"
	"github.com/ariana-dot-dev/ariana-sub004/internal/orchestrator"
)

const userIDHeader = "X-User-ID"

// Server is the controller's HTTP API.
type Server struct {
	svc      *orchestrator.Service
	repo     repository.Repository
	registry *gateway.PortDomainRegistry
	bus      bus.EventBus
	met      *metrics.Metrics
	logger   *logger.Logger
	router   *gin.Engine
}

// New builds the router with all routes registered. The caller owns the
// http.Server wrapping Router().
func New(
	svc *orchestrator.Service,
	repo repository.Repository,
	registry *gateway.PortDomainRegistry,
	eventBus bus.EventBus,
	met *metrics.Metrics,
	log *logger.Logger,
) *Server {
	s := &Server{
		svc:      svc,
		repo:     repo,
		registry: registry,
		bus:      eventBus,
		met:      met,
		logger:   log.WithFields(zap.String("component", "api")),
		router:   gin.New(),
	}

	s.router.Use(httpmw.Recovery(s.logger))
	s.router.Use(httpmw.RequestLogger(s.logger, "controller"))
	s.router.Use(httpmw.OtelTracing("controller"))
	s.router.Use(httpmw.CORS())

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.met != nil {
		s.router.GET("/metrics", gin.WrapH(s.met.Handler()))
	}

	api := s.router.Group("/api/v1")
	api.Use(s.identity())
	{
		api.POST("/agents", s.handleCreateAgent)
		api.GET("/agents", s.handleListAgents)
		api.GET("/agents/:id", s.handleGetAgent)
		api.DELETE("/agents/:id", s.handleTrashAgent)

		api.POST("/agents/:id/prompt", s.handlePrompt)
		api.POST("/agents/:id/interrupt", s.handleInterrupt)
		api.POST("/agents/:id/archive", s.handleArchive)
		api.POST("/agents/:id/fork", s.handleFork)
		api.POST("/agents/:id/reboot", s.handleReboot)

		api.GET("/agents/:id/messages", s.handleListMessages)
		api.GET("/agents/:id/prompts", s.handleListPrompts)
		api.GET("/agents/:id/commits", s.handleListCommits)

		api.POST("/agents/:id/commit", s.handleCommit)
		api.POST("/agents/:id/push", s.handlePush)
		api.GET("/agents/:id/git-history", s.handleGitHistory)

		api.POST("/agents/:id/automations/trigger", s.handleTriggerAutomation)
		api.POST("/agents/:id/automations/stop", s.handleStopAutomation)

		api.GET("/agents/:id/domains", s.handleListDomains)
		api.POST("/agents/:id/domains", s.handleRegisterDomain)
		api.DELETE("/agents/:id/domains/:port", s.handleUnregisterDomain)

		api.GET("/agents/:id/events", s.handleAgentEvents)

		api.GET("/automations", s.handleListAutomations)
		api.POST("/automations", s.handleCreateAutomation)
		api.GET("/automations/:id", s.handleGetAutomation)
		api.PUT("/automations/:id", s.handleUpdateAutomation)
		api.DELETE("/automations/:id", s.handleDeleteAutomation)

		api.GET("/environments", s.handleListEnvironments)
		api.POST("/environments", s.handleCreateEnvironment)
		api.GET("/environments/:id", s.handleGetEnvironment)
		api.PUT("/environments/:id", s.handleUpdateEnvironment)
		api.DELETE("/environments/:id", s.handleDeleteEnvironment)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ariana-controller",
		"version": version.Version,
	})
}

// identity pulls the proxy-injected user id. Requests without one never
// reach a handler.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"kind":    string(apperrors.KindAuth),
					"message": "missing " + userIDHeader + " header",
				},
			})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString("userID")
}

// clientIP prefers the first X-Forwarded-For hop; the controller always
// sits behind the auth proxy in production.
func clientIP(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}

// respondError renders the application error envelope. Unexpected errors
// are logged; expected kinds are the client's problem.
func (s *Server) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsError(err)
	status := apperrors.HTTPStatus(appErr.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": appErr})
}
