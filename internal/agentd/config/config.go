// Package config loads the worker daemon's configuration from environment
// variables. agentd runs inside provisioned VMs where the provider injects
// AGENTD_* vars at boot; there is no config file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the agentd configuration.
type Config struct {
	// Port is the encrypted API server port.
	Port int

	// MachineSecret is the per-machine master secret. Per-agent envelope
	// keys are derived from it and the X-Agent-ID request header.
	MachineSecret string

	// Home is the daemon user's home directory. Conversation state and
	// assistant settings live under it.
	Home string

	// ProjectDir is the working tree the assistant and automations run in.
	ProjectDir string

	// AutomationDir is the spool root for automation var files and
	// action files.
	AutomationDir string

	// AssistantCommand launches the assistant subprocess.
	AssistantCommand string

	// HelperModel is the small model used for commit names and task
	// summaries.
	HelperModel string

	// RestoreRoot is where snapshot archives are unpacked. Production VMs
	// restore over / — tests point this at a scratch dir.
	RestoreRoot string

	// ShellEnabled exposes the diagnostic pty shell endpoint.
	ShellEnabled bool

	// Logging configuration
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables.
func Load() *Config {
	home := getEnv("AGENTD_HOME", defaultHome())
	return &Config{
		Port:             getEnvInt("AGENTD_PORT", 8420),
		MachineSecret:    getEnv("AGENTD_MACHINE_SECRET", ""),
		Home:             home,
		ProjectDir:       getEnv("AGENTD_PROJECT_DIR", filepath.Join(home, "project")),
		AutomationDir:    getEnv("AGENTD_AUTOMATION_DIR", "/tmp/ariana-automations"),
		AssistantCommand: getEnv("AGENTD_ASSISTANT_COMMAND", "claude"),
		HelperModel:      getEnv("AGENTD_HELPER_MODEL", "haiku"),
		RestoreRoot:      getEnv("AGENTD_RESTORE_ROOT", "/"),
		ShellEnabled:     getEnvBool("AGENTD_SHELL_ENABLED", true),
		LogLevel:         getEnv("AGENTD_LOG_LEVEL", "info"),
		LogFormat:        getEnv("AGENTD_LOG_FORMAT", "json"),
	}
}

// VarsDir is where oversized bash automation variables spill to files.
func (c *Config) VarsDir() string {
	return filepath.Join(c.AutomationDir, "vars")
}

// ActionsDir is where automation scripts drop action files for the daemon.
func (c *Config) ActionsDir() string {
	return filepath.Join(c.AutomationDir, "actions")
}

// StatePath is the persisted conversation state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.Home, ".ariana", "conversation-state.json")
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/root"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}
