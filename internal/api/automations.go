package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

func (s *Server) handleListAutomations(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		s.respondError(c, apperrors.Validation("projectId query parameter is required"))
		return
	}
	automations, err := s.repo.ListAutomations(c.Request.Context(), userID(c), projectID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automations": automations, "total": len(automations)})
}

type automationRequest struct {
	ProjectID      string                `json:"projectId"`
	Name           string                `json:"name"`
	Trigger        models.Trigger        `json:"trigger"`
	ScriptLanguage models.ScriptLanguage `json:"scriptLanguage"`
	ScriptContent  string                `json:"scriptContent"`
	Blocking       bool                  `json:"blocking"`
	FeedOutput     bool                  `json:"feedOutput"`
}

func (s *Server) handleCreateAutomation(c *gin.Context) {
	var body automationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}
	if body.ProjectID == "" {
		s.respondError(c, apperrors.Validation("projectId is required"))
		return
	}

	automation := &models.Automation{
		UserID:         userID(c),
		ProjectID:      body.ProjectID,
		Name:           body.Name,
		Trigger:        body.Trigger,
		ScriptLanguage: body.ScriptLanguage,
		ScriptContent:  body.ScriptContent,
		Blocking:       body.Blocking,
		FeedOutput:     body.FeedOutput,
	}
	if err := automation.Validate(); err != nil {
		s.respondError(c, apperrors.Validation(err.Error()))
		return
	}
	if err := s.repo.CreateAutomation(c.Request.Context(), automation); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, automation)
}

// ownedAutomation hides other users' automations behind a 404.
func (s *Server) ownedAutomation(c *gin.Context) (*models.Automation, bool) {
	id := c.Param("id")
	automation, err := s.repo.GetAutomation(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if automation.UserID != userID(c) {
		s.respondError(c, apperrors.NotFound("automation", id))
		return nil, false
	}
	return automation, true
}

func (s *Server) handleGetAutomation(c *gin.Context) {
	automation, ok := s.ownedAutomation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, automation)
}

func (s *Server) handleUpdateAutomation(c *gin.Context) {
	automation, ok := s.ownedAutomation(c)
	if !ok {
		return
	}

	var body automationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}
	if body.Name != "" {
		automation.Name = body.Name
	}
	if body.Trigger.Type != "" {
		automation.Trigger = body.Trigger
	}
	if body.ScriptLanguage != "" {
		automation.ScriptLanguage = body.ScriptLanguage
	}
	if body.ScriptContent != "" {
		automation.ScriptContent = body.ScriptContent
	}
	automation.Blocking = body.Blocking
	automation.FeedOutput = body.FeedOutput

	if err := automation.Validate(); err != nil {
		s.respondError(c, apperrors.Validation(err.Error()))
		return
	}
	if err := s.repo.UpdateAutomation(c.Request.Context(), automation); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, automation)
}

func (s *Server) handleDeleteAutomation(c *gin.Context) {
	automation, ok := s.ownedAutomation(c)
	if !ok {
		return
	}
	if err := s.repo.DeleteAutomation(c.Request.Context(), automation.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
