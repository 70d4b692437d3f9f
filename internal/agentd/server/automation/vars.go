package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Script variable names injected into automation runs. Each is present
// only when its value is non-empty.
const (
	VarInputFilePath        = "INPUT_FILE_PATH"
	VarInputCommand         = "INPUT_COMMAND"
	VarCurrentCommitSha     = "CURRENT_COMMIT_SHA"
	VarCurrentCommitChanges = "CURRENT_COMMIT_CHANGES"
	VarCurrentPending       = "CURRENT_PENDING_CHANGES"
	VarEntireAgentDiff      = "ENTIRE_AGENT_DIFF"
	VarLastPrompt           = "LAST_PROMPT"
	VarAllLastPrompts       = "ALL_LAST_PROMPTS"
	VarGitHubToken          = "GITHUB_TOKEN"
	VarLastScriptOutput     = "LAST_SCRIPT_OUTPUT"
	VarTranscript           = "CONVERSATION_TRANSCRIPT"
	VarTranscriptBase64     = "CONVERSATION_TRANSCRIPT_BASE64"
)

// Spill thresholds for bash variable injection. Oversized values go to
// disk instead of the environment so child processes of the script never
// trip E2BIG on exec.
const (
	perVarSpillLimit    = 4 * 1024
	aggregateSpillLimit = 16 * 1024
)

// planSpill partitions variable names into environment-exported and
// disk-spilled sets. Any value past the per-variable limit spills; after
// that, the largest remaining values spill until the aggregate fits.
func planSpill(vars map[string]string) (exported, spilled []string) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	aggregate := 0
	for _, name := range names {
		if len(vars[name]) > perVarSpillLimit {
			spilled = append(spilled, name)
			continue
		}
		exported = append(exported, name)
		aggregate += len(vars[name])
	}

	for aggregate > aggregateSpillLimit && len(exported) > 0 {
		largest := 0
		for i, name := range exported {
			if len(vars[name]) > len(vars[exported[largest]]) {
				largest = i
			}
		}
		name := exported[largest]
		exported = append(exported[:largest], exported[largest+1:]...)
		spilled = append(spilled, name)
		aggregate -= len(vars[name])
	}
	sort.Strings(spilled)
	return exported, spilled
}

// materializeBash prepares variable injection for a bash run: exported
// names become env entries, spilled names are written to
// <varsDir>/<automationID>-<NAME> with a <NAME>_FILE env entry pointing
// at the copy. The returned preamble loads each spilled value into a
// non-exported shell variable.
func materializeBash(varsDir, automationID string, vars map[string]string) (env []string, preamble string, err error) {
	exported, spilled := planSpill(vars)

	for _, name := range exported {
		env = append(env, name+"="+vars[name])
	}

	if len(spilled) > 0 {
		if err := os.MkdirAll(varsDir, 0o755); err != nil {
			return nil, "", fmt.Errorf("failed to create vars dir: %w", err)
		}
	}
	var loads string
	for _, name := range spilled {
		path := filepath.Join(varsDir, automationID+"-"+name)
		if err := os.WriteFile(path, []byte(vars[name]), 0o600); err != nil {
			return nil, "", fmt.Errorf("failed to spill %s: %w", name, err)
		}
		env = append(env, name+"_FILE="+path)
		loads += fmt.Sprintf("%s=\"$(cat \"$%s_FILE\")\"\n", name, name)
	}
	if loads != "" {
		preamble = "# oversized variables are loaded from disk, not exported\n" + loads
	}
	return env, preamble, nil
}
