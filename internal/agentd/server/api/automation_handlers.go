package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/automation"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

// engineState fetches the automation engine, sealing an error when the
// agent never started.
func (s *Server) engineState(c *gin.Context) (*automation.Engine, bool) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		s.sealError(c, http.StatusConflict, "agent not started")
		return nil, false
	}
	return engine, true
}

// handleExecuteAutomations feeds controller-observed events into the
// engine. Matching and execution are asynchronous; the reply only
// acknowledges admission.
func (s *Server) handleExecuteAutomations(c *gin.Context) {
	var req types.ExecuteAutomationsRequest
	if !s.bindSealed(c, &req) {
		return
	}
	engine, ok := s.engineState(c)
	if !ok {
		return
	}
	for _, ev := range req.Events {
		engine.Fire(ev)
	}
	s.seal(c, http.StatusOK, types.StatusResponse{Status: "ok"})
}

func (s *Server) handleStopAutomation(c *gin.Context) {
	var req types.StopAutomationRequest
	if !s.bindSealed(c, &req) {
		return
	}
	if req.AutomationID == "" {
		s.sealError(c, http.StatusBadRequest, "automationId is required")
		return
	}
	engine, ok := s.engineState(c)
	if !ok {
		return
	}
	engine.Kill(req.AutomationID)
	s.seal(c, http.StatusOK, types.StatusResponse{Status: "ok"})
}

func (s *Server) handleTriggerManualAutomation(c *gin.Context) {
	var req types.TriggerManualAutomationRequest
	if !s.bindSealed(c, &req) {
		return
	}
	if req.AutomationID == "" && req.Name == "" {
		s.sealError(c, http.StatusBadRequest, "automationId or name is required")
		return
	}
	engine, ok := s.engineState(c)
	if !ok {
		return
	}
	if err := engine.TriggerManual(req.AutomationID, req.Name); err != nil {
		s.sealError(c, http.StatusNotFound, err.Error())
		return
	}
	s.seal(c, http.StatusOK, types.StatusResponse{Status: "ok"})
}

// handleAutomationEvents drains accumulated run events and spooled
// actions. The drain clears both, so each event reaches the controller
// exactly once.
func (s *Server) handleAutomationEvents(c *gin.Context) {
	var req struct{}
	if !s.bindSealed(c, &req) {
		return
	}

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()

	resp := types.AutomationEventsResponse{Events: []types.AutomationRunEvent{}}
	if engine != nil {
		events, actions := engine.Drain()
		if len(events) > 0 {
			resp.Events = events
		}
		resp.Actions = actions
	}
	s.seal(c, http.StatusOK, resp)
}
