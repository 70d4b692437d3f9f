// Package sqlite provides the SQL-backed repository implementation. Queries
// are written with `?` placeholders and passed through sqlx.Rebind so they
// run unchanged on both the sqlite3 and pgx drivers.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQL-backed storage for the agent control plane.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository on an existing writer/reader pair (shared
// ownership; Close becomes a no-op).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection when the repository owns it.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		machine_id TEXT,
		last_machine_id TEXT,
		machine_type TEXT NOT NULL DEFAULT 'managed',
		environment_id TEXT,
		branch_name TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		start_commit_sha TEXT,
		is_running INTEGER NOT NULL DEFAULT 0,
		is_ready INTEGER NOT NULL DEFAULT 0,
		is_trashed INTEGER NOT NULL DEFAULT 0,
		is_template INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		task_summary TEXT,
		last_commit_sha TEXT,
		last_commit_url TEXT,
		last_commit_at TIMESTAMP,
		last_commit_pushed INTEGER NOT NULL DEFAULT 0,
		last_commit_name TEXT,
		last_prompt_text TEXT,
		last_prompt_at TIMESTAMP,
		last_tool_name TEXT,
		last_tool_target TEXT,
		last_tool_at TIMESTAMP,
		git_history_last_pushed_commit_sha TEXT,
		last_auto_restored_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		provider_name TEXT NOT NULL,
		provider_id TEXT NOT NULL DEFAULT '',
		ipv4 TEXT NOT NULL DEFAULT '',
		url TEXT,
		owner_agent_id TEXT,
		status TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS machine_snapshots (
		id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL,
		r2_key TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'captured',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_prompts (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		text TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_messages (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		api_message_id TEXT NOT NULL,
		prompt_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(agent_id, api_message_id)
	);

	CREATE TABLE IF NOT EXISTS agent_commits (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		sha TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		pushed INTEGER NOT NULL DEFAULT 0,
		is_reverted INTEGER NOT NULL DEFAULT 0,
		committed_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_resets (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		trigger_json TEXT NOT NULL,
		script_language TEXT NOT NULL,
		script_content TEXT NOT NULL DEFAULT '',
		blocking INTEGER NOT NULL DEFAULT 0,
		feed_output INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(user_id, project_id, name)
	);

	CREATE TABLE IF NOT EXISTS environment_bundles (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		env_contents TEXT NOT NULL DEFAULT '',
		secret_files TEXT NOT NULL DEFAULT '[]',
		ssh_key_pair TEXT,
		automation_ids TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		user_id TEXT PRIMARY KEY,
		projects_total INTEGER NOT NULL DEFAULT 0,
		agents_this_month INTEGER NOT NULL DEFAULT 0,
		agents_month_reset_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		resource TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ip_events (
		id TEXT PRIMARY KEY,
		ip TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_domains (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		port INTEGER NOT NULL,
		domain TEXT NOT NULL,
		target TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(agent_id, port)
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) ensureIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_user_id ON agents(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_status ON machines(status)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_owner ON machines(owner_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_machine_id ON machine_snapshots(machine_id)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_expires_at ON machine_snapshots(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_r2_key ON machine_snapshots(r2_key)`,
		`CREATE INDEX IF NOT EXISTS idx_prompts_agent_status ON agent_prompts(agent_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_id ON agent_messages(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_agent_id ON agent_commits(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_resets_agent_id ON agent_resets(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_project ON automations(user_id, project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_environments_project ON environment_bundles(user_id, project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_lookup ON usage_events(user_id, resource, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_events_lookup ON ip_events(ip, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_domains_agent ON agent_domains(agent_id)`,
	}
	for _, idx := range indexes {
		if _, err := r.db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
