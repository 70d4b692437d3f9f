package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

func (s *Server) handleListDomains(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	domains, err := s.registry.List(c.Request.Context(), agent.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domains": domains, "total": len(domains)})
}

type registerDomainRequest struct {
	Port int `json:"port"`
}

// handleRegisterDomain exposes a port on the agent's machine under a
// generated subdomain routed by the TLS gateway. The registry rejects the
// call when no gateway is configured.
func (s *Server) handleRegisterDomain(c *gin.Context) {
	var body registerDomainRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Port <= 0 || body.Port > 65535 {
		s.respondError(c, apperrors.Validation("port must be between 1 and 65535"))
		return
	}

	agent, ok := s.ownedAgent(c, c.Param("id"))
	if !ok {
		return
	}
	if agent.MachineID == nil {
		s.respondError(c, apperrors.New(apperrors.KindAgentNotReady, "agent holds no machine"))
		return
	}
	m, err := s.repo.GetMachine(c.Request.Context(), *agent.MachineID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	domain, err := s.registry.Register(c.Request.Context(), agent.ID, m.IPv4, body.Port)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"domain": domain, "port": body.Port})
}

func (s *Server) handleUnregisterDomain(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		s.respondError(c, apperrors.Validation("port must be numeric"))
		return
	}
	agent, ok := s.ownedAgent(c, c.Param("id"))
	if !ok {
		return
	}
	if err := s.registry.Unregister(c.Request.Context(), agent.ID, port); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
