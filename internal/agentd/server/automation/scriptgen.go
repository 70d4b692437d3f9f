package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

// Script languages accepted on the wire.
const (
	LangBash       = "bash"
	LangJavaScript = "javascript"
	LangPython     = "python"
)

// Script is a synthesized, ready-to-run automation script.
type Script struct {
	Path string
	Argv []string
	Env  []string // variable injection entries, merged over the process env
}

// Generate writes the runnable script for one automation run. Bash gets
// helpers plus env/spill variable injection; JavaScript and Python get a
// literal vars object at the top of the file.
func Generate(scriptsDir, varsDir, actionsDir string, spec types.AutomationSpec, vars map[string]string) (*Script, error) {
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scripts dir: %w", err)
	}

	var body, ext string
	var argvFor func(path string) []string
	var env []string

	switch spec.ScriptLanguage {
	case LangBash, "":
		bashEnv, preamble, err := materializeBash(varsDir, spec.ID, vars)
		if err != nil {
			return nil, err
		}
		env = bashEnv
		body = bashScript(spec, actionsDir, preamble)
		ext = ".sh"
		argvFor = func(path string) []string { return []string{"bash", "-l", path} }
	case LangJavaScript:
		body = jsScript(spec, actionsDir, vars)
		ext = ".js"
		argvFor = func(path string) []string { return []string{"node", path} }
	case LangPython:
		body = pythonScript(spec, actionsDir, vars)
		ext = ".py"
		argvFor = func(path string) []string { return []string{"python3", path} }
	default:
		return nil, fmt.Errorf("unknown script language %q", spec.ScriptLanguage)
	}

	path := filepath.Join(scriptsDir, fmt.Sprintf("%s-%d%s", spec.ID, time.Now().UnixNano(), ext))
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}
	return &Script{Path: path, Argv: argvFor(path), Env: env}, nil
}

// bashScript assembles the bash runner: action helpers, spill loads,
// then the user's content verbatim.
func bashScript(spec types.AutomationSpec, actionsDir, preamble string) string {
	stopJSON := mustJSON(map[string]string{
		"type":           types.ActionStopAgent,
		"automationId":   spec.ID,
		"automationName": spec.Name,
	})
	head := mustJSON(map[string]string{
		"type":           types.ActionQueuePrompt,
		"automationId":   spec.ID,
		"automationName": spec.Name,
	})
	// Reopen the object to splice the runtime-escaped prompt text in.
	qpPrefix := strings.TrimSuffix(head, "}") + `,"payload":{"promptText":"`

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("__ARIANA_ACTIONS_DIR=" + bashQuote(actionsDir) + "\n")
	b.WriteString("__ARIANA_STOP_JSON=" + bashQuote(stopJSON) + "\n")
	b.WriteString("__ARIANA_QP_PREFIX=" + bashQuote(qpPrefix) + "\n")
	b.WriteString(`
mkdir -p "$__ARIANA_ACTIONS_DIR"

stopAgent() {
  printf '%s' "$__ARIANA_STOP_JSON" > "$__ARIANA_ACTIONS_DIR/action-$(date +%s%N)-$$.json"
}

queuePrompt() {
  local __t="$1"
  __t=${__t//\\/\\\\}
  __t=${__t//\"/\\\"}
  __t=${__t//$'\n'/\\n}
  __t=${__t//$'\r'/\\r}
  __t=${__t//$'\t'/\\t}
  printf '%s%s%s' "$__ARIANA_QP_PREFIX" "$__t" '"}}' > "$__ARIANA_ACTIONS_DIR/action-$(date +%s%N)-$$.json"
}

`)
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n")
	}
	b.WriteString(spec.ScriptContent)
	b.WriteString("\n")
	return b.String()
}

func jsScript(spec types.AutomationSpec, actionsDir string, vars map[string]string) string {
	var b strings.Builder
	b.WriteString("\"use strict\";\n")
	b.WriteString("const fs = require(\"fs\");\n")
	b.WriteString("const path = require(\"path\");\n\n")
	b.WriteString("const vars = " + mustJSON(vars) + ";\n\n")
	b.WriteString("const __arianaActionsDir = " + mustJSON(actionsDir) + ";\n")
	b.WriteString("const __arianaAutomation = {id: " + mustJSON(spec.ID) + ", name: " + mustJSON(spec.Name) + "};\n")
	b.WriteString(`
function __arianaAction(action) {
  fs.mkdirSync(__arianaActionsDir, {recursive: true});
  const file = path.join(__arianaActionsDir, "action-" + Date.now() + "-" + Math.floor(Math.random() * 1e9) + ".json");
  fs.writeFileSync(file, JSON.stringify(action));
}

function stopAgent() {
  __arianaAction({type: "stop_agent", automationId: __arianaAutomation.id, automationName: __arianaAutomation.name});
}

function queuePrompt(text) {
  __arianaAction({type: "queue_prompt", automationId: __arianaAutomation.id, automationName: __arianaAutomation.name, payload: {promptText: String(text)}});
}

`)
	b.WriteString(spec.ScriptContent)
	b.WriteString("\n")
	return b.String()
}

func pythonScript(spec types.AutomationSpec, actionsDir string, vars map[string]string) string {
	var b strings.Builder
	b.WriteString("import json as __ariana_json\n")
	b.WriteString("import os as __ariana_os\n")
	b.WriteString("import random as __ariana_random\n")
	b.WriteString("import time as __ariana_time\n\n")
	// A JSON object of string values is also a valid Python dict literal.
	b.WriteString("vars = " + mustJSON(vars) + "\n\n")
	b.WriteString("__ariana_actions_dir = " + mustJSON(actionsDir) + "\n")
	b.WriteString("__ariana_automation = {\"id\": " + mustJSON(spec.ID) + ", \"name\": " + mustJSON(spec.Name) + "}\n")
	b.WriteString(`
def __ariana_action(action):
    __ariana_os.makedirs(__ariana_actions_dir, exist_ok=True)
    name = "action-%d-%d.json" % (__ariana_time.time_ns(), __ariana_random.randrange(10**9))
    with open(__ariana_os.path.join(__ariana_actions_dir, name), "w") as f:
        __ariana_json.dump(action, f)

def stopAgent():
    __ariana_action({"type": "stop_agent", "automationId": __ariana_automation["id"], "automationName": __ariana_automation["name"]})

def queuePrompt(text):
    __ariana_action({"type": "queue_prompt", "automationId": __ariana_automation["id"], "automationName": __ariana_automation["name"], "payload": {"promptText": str(text)}})

`)
	b.WriteString(spec.ScriptContent)
	b.WriteString("\n")
	return b.String()
}

// bashQuote single-quotes s for safe embedding in a bash script.
func bashQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}
