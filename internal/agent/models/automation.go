package models

import (
	"fmt"
	"time"
)

// TriggerType discriminates automation triggers.
type TriggerType string

const (
	TriggerManual              TriggerType = "manual"
	TriggerOnAgentReady        TriggerType = "on_agent_ready"
	TriggerOnBeforeCommit      TriggerType = "on_before_commit"
	TriggerOnAfterCommit       TriggerType = "on_after_commit"
	TriggerOnAfterEditFiles    TriggerType = "on_after_edit_files"
	TriggerOnAfterReadFiles    TriggerType = "on_after_read_files"
	TriggerOnAfterRunCommand   TriggerType = "on_after_run_command"
	TriggerOnBeforePushPR      TriggerType = "on_before_push_pr"
	TriggerOnAfterPushPR       TriggerType = "on_after_push_pr"
	TriggerOnAfterReset        TriggerType = "on_after_reset"
	TriggerOnAutomationFinishes TriggerType = "on_automation_finishes"
)

// IsBefore reports whether the trigger runs before the observed action.
// Before-triggers must be blocking so they can actually hold the action.
func (t TriggerType) IsBefore() bool {
	return t == TriggerOnBeforeCommit || t == TriggerOnBeforePushPR
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerOnAgentReady, TriggerOnBeforeCommit, TriggerOnAfterCommit,
		TriggerOnAfterEditFiles, TriggerOnAfterReadFiles, TriggerOnAfterRunCommand,
		TriggerOnBeforePushPR, TriggerOnAfterPushPR, TriggerOnAfterReset,
		TriggerOnAutomationFinishes:
		return true
	}
	return false
}

// Trigger is the tagged variant an automation fires on. Only the field
// matching the type is consulted.
type Trigger struct {
	Type TriggerType `json:"type"`
	// Glob filters file paths for on_after_edit_files / on_after_read_files.
	Glob string `json:"glob,omitempty"`
	// Regex filters commands for on_after_run_command.
	Regex string `json:"regex,omitempty"`
	// AutomationID filters on_automation_finishes to one upstream automation.
	AutomationID string `json:"automationId,omitempty"`
}

// ScriptLanguage selects the automation script runtime.
type ScriptLanguage string

const (
	ScriptLanguageBash       ScriptLanguage = "bash"
	ScriptLanguageJavaScript ScriptLanguage = "javascript"
	ScriptLanguagePython     ScriptLanguage = "python"
)

// Valid reports whether l is a known script language.
func (l ScriptLanguage) Valid() bool {
	return l == ScriptLanguageBash || l == ScriptLanguageJavaScript || l == ScriptLanguagePython
}

// Automation is a user-owned script bound to a trigger. Name is unique per
// user+project.
type Automation struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"userId" db:"user_id"`
	ProjectID      string         `json:"projectId" db:"project_id"`
	Name           string         `json:"name" db:"name"`
	Trigger        Trigger        `json:"trigger" db:"-"`
	ScriptLanguage ScriptLanguage `json:"scriptLanguage" db:"script_language"`
	ScriptContent  string         `json:"scriptContent" db:"script_content"`
	Blocking       bool           `json:"blocking" db:"blocking"`
	FeedOutput     bool           `json:"feedOutput" db:"feed_output"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// Validate enforces the structural invariants of an automation.
func (a *Automation) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("automation name is required")
	}
	if !a.Trigger.Type.Valid() {
		return fmt.Errorf("unknown trigger type %q", a.Trigger.Type)
	}
	if !a.ScriptLanguage.Valid() {
		return fmt.Errorf("unknown script language %q", a.ScriptLanguage)
	}
	if a.Trigger.Type.IsBefore() && !a.Blocking {
		return fmt.Errorf("%s automations must be blocking", a.Trigger.Type)
	}
	if a.Trigger.Type == TriggerOnAutomationFinishes && a.Trigger.AutomationID == "" {
		return fmt.Errorf("on_automation_finishes requires automationId")
	}
	return nil
}

// SecretFile is one extra file materialized into the worker VM.
type SecretFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// SSHKeyPair carries an optional deploy key for git pushes over SSH.
type SSHKeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// EnvironmentBundle groups env vars, secret files and installed automations.
// Agents point at one bundle; forks inherit it only within the same owner
// or from a template.
type EnvironmentBundle struct {
	ID            string       `json:"id" db:"id"`
	ProjectID     string       `json:"projectId" db:"project_id"`
	UserID        string       `json:"userId" db:"user_id"`
	Name          string       `json:"name" db:"name"`
	EnvContents   string       `json:"envContents" db:"env_contents"` // dotenv text
	SecretFiles   []SecretFile `json:"secretFiles" db:"-"`
	SSHKeyPair    *SSHKeyPair  `json:"sshKeyPair,omitempty" db:"-"`
	AutomationIDs []string     `json:"automationIds" db:"-"`
	CreatedAt     time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time    `json:"updatedAt" db:"updated_at"`
}
