// Package mcptools exposes the worker's control surface to the assistant
// as MCP tools. The assistant running inside an agent machine can queue a
// follow-up prompt for itself, request a stop, or read automation output,
// all through the same action queue that automation scripts use.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// AgentControl is what the tools need from the worker.
type AgentControl interface {
	// QueuePrompt enqueues text to run after the current exchange.
	QueuePrompt(text string) error
	// StopAgent asks the controller to archive this agent.
	StopAgent() error
	// AutomationOutput returns the latest output for an automation,
	// preferring a live run over the last finished one.
	AutomationOutput(automationID string) (string, bool)
}

// Server mounts the MCP tool endpoint on the worker's router.
type Server struct {
	control    AgentControl
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	logger     *logger.Logger
}

// New builds the tool server. Serving starts when the routes are mounted.
func New(control AgentControl, log *logger.Logger) *Server {
	s := &Server{
		control: control,
		logger:  log.WithFields(zap.String("component", "mcp-tools")),
	}

	s.mcpServer = server.NewMCPServer(
		"ariana-agentd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)
	return s
}

// RegisterRoutes adds the streamable HTTP transport to the gin router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.Any("/mcp", gin.WrapH(s.httpServer))
	s.logger.Info("registered MCP tool endpoint", zap.String("path", "/mcp"))
}

// Close shuts down any active MCP sessions.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shut down MCP transport", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("queue_prompt",
			mcp.WithDescription(
				"Queue a prompt to run after the current exchange finishes. "+
					"Use this to schedule follow-up work for yourself instead of stopping.",
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt text to queue"),
			),
		),
		s.wrapHandler("queue_prompt", s.queuePromptHandler()),
	)

	// Raw schema keeps "properties": {} in the schema for a tool with no
	// parameters; the generated schema would drop the empty map and some
	// clients reject object schemas without properties.
	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema("stop_agent",
			"Stop this agent. The conversation ends and the machine is archived. "+
				"Only call this when the user's automation explicitly asked for it.",
			json.RawMessage(`{"type":"object","properties":{}}`),
		),
		s.wrapHandler("stop_agent", s.stopAgentHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_automation_output",
			mcp.WithDescription(
				"Read the most recent output of an automation by id: the live "+
					"output if it is running, otherwise the output of its last run.",
			),
			mcp.WithString("automation_id",
				mcp.Required(),
				mcp.Description("The automation id to read output for"),
			),
		),
		s.wrapHandler("get_automation_output", s.automationOutputHandler()),
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 3))
}

func (s *Server) wrapHandler(toolName string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := handler(ctx, req)
		if err != nil {
			s.logger.Debug("MCP tool error",
				zap.String("tool", toolName),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		} else {
			s.logger.Debug("MCP tool call",
				zap.String("tool", toolName),
				zap.Duration("duration", time.Since(start)),
				zap.Bool("is_error", result != nil && result.IsError))
		}
		return result, err
	}
}

func (s *Server) queuePromptHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.control.QueuePrompt(prompt); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to queue prompt: %v", err)), nil
		}
		return mcp.NewToolResultText("prompt queued"), nil
	}
}

func (s *Server) stopAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.control.StopAgent(); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to stop agent: %v", err)), nil
		}
		return mcp.NewToolResultText("stop requested"), nil
	}
}

func (s *Server) automationOutputHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("automation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		output, ok := s.control.AutomationOutput(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no output recorded for automation %s", id)), nil
		}
		return mcp.NewToolResultText(output), nil
	}
}
