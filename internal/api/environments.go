package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

func (s *Server) handleListEnvironments(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		s.respondError(c, apperrors.Validation("projectId query parameter is required"))
		return
	}
	envs, err := s.repo.ListEnvironments(c.Request.Context(), userID(c), projectID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs, "total": len(envs)})
}

type environmentRequest struct {
	ProjectID     string              `json:"projectId"`
	Name          string              `json:"name"`
	EnvContents   string              `json:"envContents,omitempty"`
	SecretFiles   []models.SecretFile `json:"secretFiles,omitempty"`
	SSHKeyPair    *models.SSHKeyPair  `json:"sshKeyPair,omitempty"`
	AutomationIDs []string            `json:"automationIds,omitempty"`
}

func (s *Server) handleCreateEnvironment(c *gin.Context) {
	var body environmentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}
	if body.ProjectID == "" || body.Name == "" {
		s.respondError(c, apperrors.Validation("projectId and name are required"))
		return
	}

	env := &models.EnvironmentBundle{
		UserID:        userID(c),
		ProjectID:     body.ProjectID,
		Name:          body.Name,
		EnvContents:   body.EnvContents,
		SecretFiles:   body.SecretFiles,
		SSHKeyPair:    body.SSHKeyPair,
		AutomationIDs: body.AutomationIDs,
	}
	if err := s.repo.CreateEnvironment(c.Request.Context(), env); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// ownedEnvironment hides other users' bundles behind a 404; secrets never
// leak through an id probe.
func (s *Server) ownedEnvironment(c *gin.Context) (*models.EnvironmentBundle, bool) {
	id := c.Param("id")
	env, err := s.repo.GetEnvironment(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if env.UserID != userID(c) {
		s.respondError(c, apperrors.NotFound("environment", id))
		return nil, false
	}
	return env, true
}

func (s *Server) handleGetEnvironment(c *gin.Context) {
	env, ok := s.ownedEnvironment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) handleUpdateEnvironment(c *gin.Context) {
	env, ok := s.ownedEnvironment(c)
	if !ok {
		return
	}

	var body environmentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}
	if body.Name != "" {
		env.Name = body.Name
	}
	env.EnvContents = body.EnvContents
	env.SecretFiles = body.SecretFiles
	env.SSHKeyPair = body.SSHKeyPair
	env.AutomationIDs = body.AutomationIDs

	if err := s.repo.UpdateEnvironment(c.Request.Context(), env); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) handleDeleteEnvironment(c *gin.Context) {
	env, ok := s.ownedEnvironment(c)
	if !ok {
		return
	}
	if err := s.repo.DeleteEnvironment(c.Request.Context(), env.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
