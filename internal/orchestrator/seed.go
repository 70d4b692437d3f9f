package orchestrator

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

// seedFile is the YAML document at seed.path: default automations and
// environment bundles inserted once at startup. Environments reference
// automations by name within the same user/project scope.
type seedFile struct {
	Automations  []seedAutomation  `yaml:"automations"`
	Environments []seedEnvironment `yaml:"environments"`
}

type seedTrigger struct {
	Type         string `yaml:"type"`
	Glob         string `yaml:"glob"`
	Regex        string `yaml:"regex"`
	AutomationID string `yaml:"automationId"`
}

type seedAutomation struct {
	UserID         string      `yaml:"userId"`
	ProjectID      string      `yaml:"projectId"`
	Name           string      `yaml:"name"`
	Trigger        seedTrigger `yaml:"trigger"`
	ScriptLanguage string      `yaml:"scriptLanguage"`
	Script         string      `yaml:"script"`
	Blocking       bool        `yaml:"blocking"`
	FeedOutput     bool        `yaml:"feedOutput"`
}

type seedEnvironment struct {
	UserID      string   `yaml:"userId"`
	ProjectID   string   `yaml:"projectId"`
	Name        string   `yaml:"name"`
	EnvContents string   `yaml:"envContents"`
	Automations []string `yaml:"automations"`
}

// loadSeed inserts the seed file's rows, skipping anything whose name
// already exists in its scope. Idempotent across restarts.
func (s *Service) loadSeed(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	var automations, environments int
	for _, sa := range seed.Automations {
		existing, err := s.repo.GetAutomationByName(ctx, sa.UserID, sa.ProjectID, sa.Name)
		if err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
			return err
		}
		if existing != nil {
			continue
		}
		automation := &models.Automation{
			UserID:    sa.UserID,
			ProjectID: sa.ProjectID,
			Name:      sa.Name,
			Trigger: models.Trigger{
				Type:         models.TriggerType(sa.Trigger.Type),
				Glob:         sa.Trigger.Glob,
				Regex:        sa.Trigger.Regex,
				AutomationID: sa.Trigger.AutomationID,
			},
			ScriptLanguage: models.ScriptLanguage(sa.ScriptLanguage),
			ScriptContent:  sa.Script,
			Blocking:       sa.Blocking,
			FeedOutput:     sa.FeedOutput,
		}
		if err := automation.Validate(); err != nil {
			s.log.Warn("skipping invalid seed automation",
				zap.String("name", sa.Name), zap.Error(err))
			continue
		}
		if err := s.repo.CreateAutomation(ctx, automation); err != nil {
			return err
		}
		automations++
	}

	for _, se := range seed.Environments {
		existing, err := s.repo.ListEnvironments(ctx, se.UserID, se.ProjectID)
		if err != nil {
			return err
		}
		if containsEnvironment(existing, se.Name) {
			continue
		}

		var automationIDs []string
		for _, name := range se.Automations {
			automation, err := s.repo.GetAutomationByName(ctx, se.UserID, se.ProjectID, name)
			if err != nil {
				s.log.Warn("seed environment references unknown automation",
					zap.String("environment", se.Name), zap.String("automation", name))
				continue
			}
			automationIDs = append(automationIDs, automation.ID)
		}
		env := &models.EnvironmentBundle{
			UserID:        se.UserID,
			ProjectID:     se.ProjectID,
			Name:          se.Name,
			EnvContents:   se.EnvContents,
			AutomationIDs: automationIDs,
		}
		if err := s.repo.CreateEnvironment(ctx, env); err != nil {
			return err
		}
		environments++
	}

	s.log.Info("seed loaded",
		zap.String("path", path),
		zap.Int("automations", automations),
		zap.Int("environments", environments))
	return nil
}

func containsEnvironment(envs []*models.EnvironmentBundle, name string) bool {
	for _, env := range envs {
		if env.Name == name {
			return true
		}
	}
	return false
}
