package automation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// spoolAction is the on-disk action file format written by script
// helpers: {type, automationId, automationName, payload?}.
type spoolAction struct {
	Type           string `json:"type"`
	AutomationID   string `json:"automationId,omitempty"`
	AutomationName string `json:"automationName,omitempty"`
	Payload        *struct {
		PromptText string `json:"promptText"`
	} `json:"payload,omitempty"`
}

// ReadSpool consumes the action spool: every JSON file in dir is parsed,
// validated and deleted. Valid actions are returned in filename order;
// malformed files are deleted with a warning so they never wedge the
// spool.
func ReadSpool(dir string, log *logger.Logger) []types.WorkerAction {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read action spool", zap.Error(err))
		}
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var actions []types.WorkerAction
	for _, name := range names {
		path := filepath.Join(dir, name)
		action, ok := parseSpoolFile(path, log)
		if ok {
			actions = append(actions, action)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove spool file", zap.String("file", name), zap.Error(err))
		}
	}
	return actions
}

func parseSpoolFile(path string, log *logger.Logger) (types.WorkerAction, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn("failed to read spool file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return types.WorkerAction{}, false
	}

	var sa spoolAction
	if err := json.Unmarshal(raw, &sa); err != nil {
		log.Warn("deleting malformed spool file",
			zap.String("file", filepath.Base(path)),
			zap.Error(err))
		return types.WorkerAction{}, false
	}

	switch sa.Type {
	case types.ActionStopAgent:
		return types.WorkerAction{
			Type:           sa.Type,
			AutomationID:   sa.AutomationID,
			AutomationName: sa.AutomationName,
		}, true
	case types.ActionQueuePrompt:
		if sa.Payload == nil || strings.TrimSpace(sa.Payload.PromptText) == "" {
			log.Warn("deleting queue_prompt spool file without prompt text",
				zap.String("file", filepath.Base(path)))
			return types.WorkerAction{}, false
		}
		return types.WorkerAction{
			Type:           sa.Type,
			AutomationID:   sa.AutomationID,
			AutomationName: sa.AutomationName,
			Payload:        sa.Payload.PromptText,
		}, true
	default:
		log.Warn("deleting spool file with unknown action type",
			zap.String("file", filepath.Base(path)),
			zap.String("type", sa.Type))
		return types.WorkerAction{}, false
	}
}
