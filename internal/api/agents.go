package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/orchestrator"
)

type createAgentRequest struct {
	ProjectID     string  `json:"projectId"`
	Name          string  `json:"name,omitempty"`
	EnvironmentID *string `json:"environmentId,omitempty"`

	RepoURL      string `json:"repoUrl"`
	Branch       string `json:"branch,omitempty"`
	BaseBranch   string `json:"baseBranch,omitempty"`
	GitToken     string `json:"gitToken,omitempty"`
	GitUserName  string `json:"gitUserName,omitempty"`
	GitUserEmail string `json:"gitUserEmail,omitempty"`

	InitialPrompt string `json:"initialPrompt,omitempty"`
	Model         string `json:"model,omitempty"`
	IsTemplate    bool   `json:"isTemplate,omitempty"`
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var body createAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}

	agent, err := s.svc.CreateAgent(c.Request.Context(), &orchestrator.CreateAgentRequest{
		UserID:        userID(c),
		ProjectID:     body.ProjectID,
		Name:          body.Name,
		EnvironmentID: body.EnvironmentID,
		RepoURL:       body.RepoURL,
		Branch:        body.Branch,
		BaseBranch:    body.BaseBranch,
		GitToken:      body.GitToken,
		GitUserName:   body.GitUserName,
		GitUserEmail:  body.GitUserEmail,
		InitialPrompt: body.InitialPrompt,
		Model:         body.Model,
		IsTemplate:    body.IsTemplate,
		ClientIP:      clientIP(c),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	// Provisioning continues in the background; poll the agent or its
	// event stream for READY.
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	includeTrashed := c.Query("includeTrashed") == "true"
	agents, err := s.repo.ListAgents(c.Request.Context(), userID(c), c.Query("projectId"), includeTrashed)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleTrashAgent(c *gin.Context) {
	if err := s.svc.Trash(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type promptRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePrompt(c *gin.Context) {
	var body promptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}
	prompt, err := s.svc.SubmitPrompt(c.Request.Context(), c.Param("id"), userID(c), clientIP(c), body.Text)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, prompt)
}

func (s *Server) handleInterrupt(c *gin.Context) {
	if err := s.svc.Interrupt(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleArchive(c *gin.Context) {
	agent, err := s.svc.Archive(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type forkRequest struct {
	NewName       string `json:"newName,omitempty"`
	ForceNewAgent bool   `json:"forceNewAgent,omitempty"`
}

func (s *Server) handleFork(c *gin.Context) {
	var body forkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, apperrors.Validation("invalid payload"))
			return
		}
	}
	agent, err := s.svc.Fork(c.Request.Context(), c.Param("id"), userID(c), body.NewName, body.ForceNewAgent)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, agent)
}

func (s *Server) handleReboot(c *gin.Context) {
	agent, err := s.svc.Reboot(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, agent)
}

func (s *Server) handleListMessages(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	messages, err := s.repo.ListMessages(c.Request.Context(), agent.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

func (s *Server) handleListPrompts(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	prompts, err := s.repo.ListPrompts(c.Request.Context(), agent.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts, "total": len(prompts)})
}

func (s *Server) handleListCommits(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	commits, err := s.repo.ListCommits(c.Request.Context(), agent.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits, "total": len(commits)})
}

type commitRequest struct {
	Message string `json:"message,omitempty"`
}

func (s *Server) handleCommit(c *gin.Context) {
	var body commitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, apperrors.Validation("invalid payload"))
			return
		}
	}
	commit, err := s.svc.Commit(c.Request.Context(), c.Param("id"), userID(c), body.Message)
	if errors.Is(err, orchestrator.ErrNothingToCommit) {
		c.JSON(http.StatusOK, gin.H{"nothingToCommit": true})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commit)
}

type pushRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handlePush(c *gin.Context) {
	var body pushRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, apperrors.Validation("invalid payload"))
			return
		}
	}
	resp, err := s.svc.Push(c.Request.Context(), c.Param("id"), userID(c), body.Force)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGitHistory(c *gin.Context) {
	history, err := s.svc.GitHistory(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

type triggerAutomationRequest struct {
	AutomationID string `json:"automationId,omitempty"`
	Name         string `json:"name,omitempty"`
}

func (s *Server) handleTriggerAutomation(c *gin.Context) {
	var body triggerAutomationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}
	err := s.svc.TriggerAutomation(c.Request.Context(), c.Param("id"), userID(c), body.AutomationID, body.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type stopAutomationRequest struct {
	AutomationID string `json:"automationId"`
}

func (s *Server) handleStopAutomation(c *gin.Context) {
	var body stopAutomationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.Validation("invalid payload"))
		return
	}
	err := s.svc.StopAutomation(c.Request.Context(), c.Param("id"), userID(c), body.AutomationID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ownedAgent loads an agent and restricts the mutation to its owner.
// Read endpoints use svc.GetAgent directly, which only hides trashed
// agents from non-owners.
func (s *Server) ownedAgent(c *gin.Context, id string) (*models.Agent, bool) {
	agent, err := s.svc.GetAgent(c.Request.Context(), id, userID(c))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if agent.UserID != userID(c) {
		s.respondError(c, apperrors.Auth("only the owner can manage this agent"))
		return nil, false
	}
	return agent, true
}
