package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/db/dialect"
)

const automationColumns = `id, user_id, project_id, name, trigger_json, script_language, script_content, blocking, feed_output, created_at, updated_at`

// CreateAutomation inserts an automation. The trigger is stored as JSON.
func (r *Repository) CreateAutomation(ctx context.Context, automation *models.Automation) error {
	if automation == nil {
		return fmt.Errorf("automation is nil")
	}
	if err := automation.Validate(); err != nil {
		return apperrors.Validation(err.Error())
	}
	if automation.ID == "" {
		automation.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}
	automation.UpdatedAt = now

	trigger, err := json.Marshal(automation.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO automations (`+automationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), automation.ID, automation.UserID, automation.ProjectID, automation.Name, string(trigger),
		string(automation.ScriptLanguage), automation.ScriptContent,
		dialect.BoolToInt(automation.Blocking), dialect.BoolToInt(automation.FeedOutput),
		automation.CreatedAt, automation.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

// GetAutomation returns the automation by id.
func (r *Repository) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+automationColumns+` FROM automations WHERE id = ?
	`), id)
	automation, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("automation", id)
	}
	return automation, err
}

// GetAutomationByName looks an automation up by its unique per-project name.
func (r *Repository) GetAutomationByName(ctx context.Context, userID, projectID, name string) (*models.Automation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+automationColumns+` FROM automations
		WHERE user_id = ? AND project_id = ? AND name = ?
	`), userID, projectID, name)
	automation, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("automation", name)
	}
	return automation, err
}

// UpdateAutomation persists the automation's mutable fields.
func (r *Repository) UpdateAutomation(ctx context.Context, automation *models.Automation) error {
	if automation == nil {
		return fmt.Errorf("automation is nil")
	}
	if err := automation.Validate(); err != nil {
		return apperrors.Validation(err.Error())
	}
	automation.UpdatedAt = time.Now().UTC()

	trigger, err := json.Marshal(automation.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE automations
		SET name = ?, trigger_json = ?, script_language = ?, script_content = ?, blocking = ?, feed_output = ?, updated_at = ?
		WHERE id = ?
	`), automation.Name, string(trigger), string(automation.ScriptLanguage), automation.ScriptContent,
		dialect.BoolToInt(automation.Blocking), dialect.BoolToInt(automation.FeedOutput),
		automation.UpdatedAt, automation.ID)
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("automation", automation.ID)
	}
	return nil
}

// DeleteAutomation removes the automation row.
func (r *Repository) DeleteAutomation(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM automations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("automation", id)
	}
	return nil
}

// ListAutomations returns the project's automations sorted by name.
func (r *Repository) ListAutomations(ctx context.Context, userID, projectID string) ([]*models.Automation, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+automationColumns+` FROM automations
		WHERE user_id = ? AND project_id = ?
		ORDER BY name ASC
	`), userID, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var automations []*models.Automation
	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, automation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return automations, nil
}

func scanAutomation(scanner interface{ Scan(dest ...any) error }) (*models.Automation, error) {
	automation := &models.Automation{}
	var trigger, language string
	var blocking, feedOutput int
	if err := scanner.Scan(
		&automation.ID, &automation.UserID, &automation.ProjectID, &automation.Name,
		&trigger, &language, &automation.ScriptContent, &blocking, &feedOutput,
		&automation.CreatedAt, &automation.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trigger), &automation.Trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	automation.ScriptLanguage = models.ScriptLanguage(language)
	automation.Blocking = blocking == 1
	automation.FeedOutput = feedOutput == 1
	automation.CreatedAt = automation.CreatedAt.UTC()
	automation.UpdatedAt = automation.UpdatedAt.UTC()
	return automation, nil
}

const environmentColumns = `id, project_id, user_id, name, env_contents, secret_files, ssh_key_pair, automation_ids, created_at, updated_at`

// CreateEnvironment inserts an environment bundle. Structured fields are
// stored as JSON.
func (r *Repository) CreateEnvironment(ctx context.Context, env *models.EnvironmentBundle) error {
	if env == nil {
		return fmt.Errorf("environment is nil")
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now

	secretFiles, sshKeyPair, automationIDs, err := marshalEnvironment(env)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO environment_bundles (`+environmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), env.ID, env.ProjectID, env.UserID, env.Name, env.EnvContents,
		secretFiles, sshKeyPair, automationIDs, env.CreatedAt, env.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}
	return nil
}

// GetEnvironment returns the environment bundle by id.
func (r *Repository) GetEnvironment(ctx context.Context, id string) (*models.EnvironmentBundle, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+environmentColumns+` FROM environment_bundles WHERE id = ?
	`), id)
	env, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("environment", id)
	}
	return env, err
}

// UpdateEnvironment persists the bundle's mutable fields.
func (r *Repository) UpdateEnvironment(ctx context.Context, env *models.EnvironmentBundle) error {
	if env == nil {
		return fmt.Errorf("environment is nil")
	}
	env.UpdatedAt = time.Now().UTC()

	secretFiles, sshKeyPair, automationIDs, err := marshalEnvironment(env)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE environment_bundles
		SET name = ?, env_contents = ?, secret_files = ?, ssh_key_pair = ?, automation_ids = ?, updated_at = ?
		WHERE id = ?
	`), env.Name, env.EnvContents, secretFiles, sshKeyPair, automationIDs, env.UpdatedAt, env.ID)
	if err != nil {
		return fmt.Errorf("failed to update environment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("environment", env.ID)
	}
	return nil
}

// DeleteEnvironment removes the environment bundle.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM environment_bundles WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("environment", id)
	}
	return nil
}

// ListEnvironments returns the project's environment bundles sorted by name.
func (r *Repository) ListEnvironments(ctx context.Context, userID, projectID string) ([]*models.EnvironmentBundle, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+environmentColumns+` FROM environment_bundles
		WHERE user_id = ? AND project_id = ?
		ORDER BY name ASC
	`), userID, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var envs []*models.EnvironmentBundle
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return envs, nil
}

func marshalEnvironment(env *models.EnvironmentBundle) (secretFiles string, sshKeyPair *string, automationIDs string, err error) {
	files := env.SecretFiles
	if files == nil {
		files = []models.SecretFile{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to marshal secret files: %w", err)
	}

	if env.SSHKeyPair != nil {
		keyJSON, err := json.Marshal(env.SSHKeyPair)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to marshal ssh key pair: %w", err)
		}
		key := string(keyJSON)
		sshKeyPair = &key
	}

	ids := env.AutomationIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to marshal automation ids: %w", err)
	}
	return string(filesJSON), sshKeyPair, string(idsJSON), nil
}

func scanEnvironment(scanner interface{ Scan(dest ...any) error }) (*models.EnvironmentBundle, error) {
	env := &models.EnvironmentBundle{}
	var secretFiles, automationIDs string
	var sshKeyPair sql.NullString
	if err := scanner.Scan(
		&env.ID, &env.ProjectID, &env.UserID, &env.Name, &env.EnvContents,
		&secretFiles, &sshKeyPair, &automationIDs,
		&env.CreatedAt, &env.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(secretFiles), &env.SecretFiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret files: %w", err)
	}
	if sshKeyPair.Valid && sshKeyPair.String != "" {
		var key models.SSHKeyPair
		if err := json.Unmarshal([]byte(sshKeyPair.String), &key); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ssh key pair: %w", err)
		}
		env.SSHKeyPair = &key
	}
	if err := json.Unmarshal([]byte(automationIDs), &env.AutomationIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal automation ids: %w", err)
	}
	env.CreatedAt = env.CreatedAt.UTC()
	env.UpdatedAt = env.UpdatedAt.UTC()
	return env, nil
}
