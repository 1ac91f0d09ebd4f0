package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		project_id TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		type TEXT NOT NULL,
		skills TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		estimated_duration_ms INTEGER NOT NULL DEFAULT 0,
		quality_score REAL,
		assigned_agent_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, id)
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		condition TEXT NOT NULL DEFAULT 'completed',
		PRIMARY KEY (project_id, task_id, depends_on_id),
		FOREIGN KEY (project_id, task_id) REFERENCES tasks(project_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task
		ON task_dependencies(project_id, task_id);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		max_concurrent_instances INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_weights (
		agent_id TEXT PRIMARY KEY,
		weight REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
