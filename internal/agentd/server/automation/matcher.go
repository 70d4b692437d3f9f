package automation

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

// Trigger types recognized by the engine; values match the controller's
// automation model.
const (
	TriggerManual             = "manual"
	TriggerAgentReady         = "on_agent_ready"
	TriggerBeforeCommit       = "on_before_commit"
	TriggerAfterCommit        = "on_after_commit"
	TriggerAfterEditFiles     = "on_after_edit_files"
	TriggerAfterReadFiles     = "on_after_read_files"
	TriggerAfterRunCommand    = "on_after_run_command"
	TriggerBeforePushPR       = "on_before_push_pr"
	TriggerAfterPushPR        = "on_after_push_pr"
	TriggerAfterReset         = "on_after_reset"
	TriggerAutomationFinishes = "on_automation_finishes"
)

// Matches reports whether the spec's trigger fires for the observed
// event. An unset filter matches every event of the trigger's type.
func Matches(spec types.AutomationSpec, ev types.AutomationEvent) bool {
	t := spec.Trigger
	if t.Type != ev.Type {
		return false
	}

	switch t.Type {
	case TriggerAfterEditFiles, TriggerAfterReadFiles:
		if t.Glob == "" {
			return true
		}
		return globMatch(t.Glob, ev.FilePath)
	case TriggerAfterRunCommand:
		if t.Regex == "" {
			return true
		}
		re, err := regexp.Compile(t.Regex)
		if err != nil {
			return false
		}
		return re.MatchString(ev.Command)
	case TriggerAutomationFinishes:
		return t.AutomationID != "" && t.AutomationID == ev.AutomationID
	default:
		return true
	}
}

// globMatch applies the pattern to the full path; a pattern without a
// separator matches the basename instead, so "*.go" hits files in any
// directory.
func globMatch(pattern, path string) bool {
	target := path
	if !strings.Contains(pattern, "/") {
		target = filepath.Base(path)
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}
