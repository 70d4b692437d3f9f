package api

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/automation"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/server/setup"
	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

// gitVarTimeout bounds the git reads backing automation variables so a
// wedged git never stalls a trigger.
const gitVarTimeout = 10 * time.Second

// promptSeparator joins the prompt history in ALL_LAST_PROMPTS.
const promptSeparator = "\n---\n"

// automationVars assembles the shared script variables for one trigger:
// the environment bundle's dotenv as the base layer, then git state,
// conversation state and the git token on top. The engine drops empty
// values and adds the event-specific ones itself.
func (s *Server) automationVars(types.AutomationEvent) map[string]string {
	s.mu.Lock()
	session, project, token, envContents := s.session, s.project, s.gitToken, s.envContents
	s.mu.Unlock()

	vars := setup.ParseDotenv(envContents)
	if vars == nil {
		vars = make(map[string]string)
	}
	if token != "" {
		vars[automation.VarGitHubToken] = token
	}

	if session != nil {
		vars[automation.VarLastPrompt] = session.LastPrompt()
		if prompts := session.AllPrompts(); len(prompts) > 0 {
			vars[automation.VarAllLastPrompts] = strings.Join(prompts, promptSeparator)
		}
		if transcript := session.Transcript(); transcript != "" {
			vars[automation.VarTranscript] = transcript
			vars[automation.VarTranscriptBase64] = base64.StdEncoding.EncodeToString([]byte(transcript))
		}
	}

	if project != nil && project.Git != nil && project.Git.IsRepo() {
		ctx, cancel := context.WithTimeout(context.Background(), gitVarTimeout)
		defer cancel()
		vars[automation.VarCurrentCommitSha] = project.Git.Head(ctx)
		if out, err := project.Git.LastCommitChanges(ctx); err == nil {
			vars[automation.VarCurrentCommitChanges] = out
		}
		if out, err := project.Git.PendingChanges(ctx); err == nil {
			vars[automation.VarCurrentPending] = out
		}
		if project.StartCommit != "" {
			if out, err := project.Git.Diff(ctx, project.StartCommit); err == nil {
				vars[automation.VarEntireAgentDiff] = out
			}
		}
	}
	return vars
}
