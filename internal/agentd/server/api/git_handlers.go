package api

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/assistant"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/automation"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/setup"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

const (
	generateAttempts = 2
	generateTimeout  = 15 * time.Second
	commitNameMaxLen = 72
	summaryMaxLen    = 120
	promptDiffBudget = 4000
)

// gitState fetches the project tree, sealing an error when it is not
// usable for git operations.
func (s *Server) gitState(c *gin.Context) (*setup.Result, *automation.Engine, bool) {
	s.mu.Lock()
	started, project, engine := s.started, s.project, s.engine
	s.mu.Unlock()
	if !started || project == nil {
		s.sealError(c, http.StatusConflict, "agent not started")
		return nil, nil, false
	}
	if project.Git == nil || !project.Git.IsRepo() {
		s.sealError(c, http.StatusBadRequest, "working tree is not a git repository")
		return nil, nil, false
	}
	return project, engine, true
}

// handleGitCommit commits the working tree. on_before_commit automations
// run first and, being blocking by construction, finish before the
// commit; on_after_commit fires only when a commit was actually created.
func (s *Server) handleGitCommit(c *gin.Context) {
	var req types.CommitRequest
	if !s.bindSealed(c, &req) {
		return
	}
	project, engine, ok := s.gitState(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if engine != nil {
		engine.Fire(types.AutomationEvent{Type: automation.TriggerBeforeCommit})
		if err := engine.WaitNoBlocking(ctx); err != nil {
			s.sealError(c, http.StatusServiceUnavailable, "blocking automation did not finish")
			return
		}
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = s.commitName(ctx, project, "", nil)
	}
	resp, err := project.Git.Commit(ctx, message)
	if err != nil {
		s.sealError(c, http.StatusInternalServerError, "commit failed: "+err.Error())
		return
	}
	if !resp.NothingToCommit && engine != nil {
		engine.Fire(types.AutomationEvent{Type: automation.TriggerAfterCommit})
	}
	s.seal(c, http.StatusOK, resp)
}

func (s *Server) handleGitPush(c *gin.Context) {
	var req types.PushRequest
	if !s.bindSealed(c, &req) {
		return
	}
	project, engine, ok := s.gitState(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if engine != nil {
		engine.Fire(types.AutomationEvent{Type: automation.TriggerBeforePushPR})
		if err := engine.WaitNoBlocking(ctx); err != nil {
			s.sealError(c, http.StatusServiceUnavailable, "blocking automation did not finish")
			return
		}
	}

	resp, err := project.Git.Push(ctx, req.Force)
	if err != nil {
		s.sealError(c, http.StatusInternalServerError, "push failed: "+err.Error())
		return
	}
	if engine != nil {
		engine.Fire(types.AutomationEvent{Type: automation.TriggerAfterPushPR})
	}
	s.seal(c, http.StatusOK, resp)
}

func (s *Server) handleGitLastCommit(c *gin.Context) {
	var req struct{}
	if !s.bindSealed(c, &req) {
		return
	}
	project, _, ok := s.gitState(c)
	if !ok {
		return
	}
	resp, err := project.Git.LastCommit(c.Request.Context())
	if err != nil {
		s.sealError(c, http.StatusInternalServerError, "failed to read last commit: "+err.Error())
		return
	}
	s.seal(c, http.StatusOK, resp)
}

// handleGitHistory lists the commits the agent created, i.e. everything
// ahead of the setup-time start commit.
func (s *Server) handleGitHistory(c *gin.Context) {
	var req struct{}
	if !s.bindSealed(c, &req) {
		return
	}
	project, _, ok := s.gitState(c)
	if !ok {
		return
	}
	resp, err := project.Git.History(c.Request.Context(), project.StartCommit)
	if err != nil {
		s.sealError(c, http.StatusInternalServerError, "failed to read history: "+err.Error())
		return
	}
	s.seal(c, http.StatusOK, resp)
}

// handleGenerateCommitName asks the helper model for a one-line commit
// name. Always answers 200: generation failures fall back to a dated
// default.
func (s *Server) handleGenerateCommitName(c *gin.Context) {
	var req types.GenerateCommitNameRequest
	if !s.bindSealed(c, &req) {
		return
	}
	s.mu.Lock()
	project := s.project
	s.mu.Unlock()

	name := s.commitName(c.Request.Context(), project, req.Diff, req.Prompts)
	s.seal(c, http.StatusOK, types.GenerateCommitNameResponse{Name: name})
}

func (s *Server) handleGenerateTaskSummary(c *gin.Context) {
	var req types.GenerateTaskSummaryRequest
	if !s.bindSealed(c, &req) {
		return
	}
	prompts := req.Prompts
	if len(prompts) == 0 {
		prompts = s.lastPrompts()
	}

	summary := s.generateLine(c.Request.Context(), taskSummaryPrompt(prompts), summaryMaxLen)
	if summary == "" {
		summary = fallbackSummary(prompts)
	}
	s.seal(c, http.StatusOK, types.GenerateTaskSummaryResponse{Summary: summary})
}

// commitName generates a commit message, enriching missing inputs from
// local state and falling back to a dated default.
func (s *Server) commitName(ctx context.Context, project *setup.Result, diff string, prompts []string) string {
	if diff == "" && project != nil && project.Git != nil && project.Git.IsRepo() {
		if out, err := project.Git.PendingChanges(ctx); err == nil {
			diff = out
		}
	}
	if len(prompts) == 0 {
		prompts = s.lastPrompts()
	}
	if name := s.generateLine(ctx, commitNamePrompt(diff, prompts), commitNameMaxLen); name != "" {
		return name
	}
	return fallbackCommitName()
}

// generateLine runs the helper model with retries and returns the first
// usable line, or "" when every attempt failed.
func (s *Server) generateLine(ctx context.Context, prompt string, maxLen int) string {
	for attempt := 1; attempt <= generateAttempts; attempt++ {
		genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
		out, err := assistant.GenerateOnce(genCtx, s.streamer, s.workdir(), s.cfg.HelperModel, prompt)
		cancel()
		if err != nil {
			s.logger.Warn("generation attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if line := firstLine(out, maxLen); line != "" {
			return line
		}
	}
	return ""
}

func (s *Server) workdir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project != nil && s.project.Dir != "" {
		return s.project.Dir
	}
	return s.cfg.ProjectDir
}

func (s *Server) lastPrompts() []string {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.AllPrompts()
}

func commitNamePrompt(diff string, prompts []string) string {
	var b strings.Builder
	b.WriteString("Write a short imperative git commit message for the changes below. ")
	b.WriteString("Reply with the message only: one line, no quotes, no prefix.\n")
	if len(prompts) > 0 {
		b.WriteString("\nThe user asked for:\n")
		for _, p := range lastN(prompts, 3) {
			b.WriteString("- " + truncate(strings.TrimSpace(p), 200) + "\n")
		}
	}
	if diff != "" {
		b.WriteString("\nDiff:\n")
		b.WriteString(truncate(diff, promptDiffBudget))
		b.WriteString("\n")
	}
	return b.String()
}

func taskSummaryPrompt(prompts []string) string {
	var b strings.Builder
	b.WriteString("Summarize the task below in one short sentence. ")
	b.WriteString("Reply with the sentence only, no quotes.\n\n")
	for _, p := range lastN(prompts, 5) {
		b.WriteString("- " + truncate(strings.TrimSpace(p), 300) + "\n")
	}
	return b.String()
}

func fallbackCommitName() string {
	return "Agent work " + time.Now().UTC().Format("2006-01-02")
}

func fallbackSummary(prompts []string) string {
	for _, p := range prompts {
		if p = strings.TrimSpace(p); p != "" {
			return truncate(p, 80)
		}
	}
	return "Coding session"
}

// firstLine reduces model output to one trimmed line within maxLen.
func firstLine(out string, maxLen int) string {
	out = strings.TrimSpace(out)
	out = strings.Trim(out, "`\"'")
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return truncate(strings.TrimSpace(out), maxLen)
}

// truncate cuts s at n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
