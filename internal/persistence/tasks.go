package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/dispatch/internal/scheduler"
)

// SaveTaskGraph saves or updates a project's full task snapshot.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTaskGraph(ctx context.Context, projectID string, tasks []*scheduler.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		var quality sql.NullFloat64
		if task.QualityScore != nil {
			quality = sql.NullFloat64{Float64: *task.QualityScore, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (project_id, id, title, type, skills, status, retry_count, max_retries, estimated_duration_ms, quality_score, assigned_agent_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(project_id, id) DO UPDATE SET
				title = excluded.title,
				type = excluded.type,
				skills = excluded.skills,
				status = excluded.status,
				retry_count = excluded.retry_count,
				max_retries = excluded.max_retries,
				estimated_duration_ms = excluded.estimated_duration_ms,
				quality_score = excluded.quality_score,
				assigned_agent_id = excluded.assigned_agent_id,
				updated_at = CURRENT_TIMESTAMP
		`, projectID, task.ID, task.Title, task.Type, strings.Join(task.Skills, ","),
			task.Status.String(), task.RetryCount, task.MaxRetries,
			task.EstimatedDuration.Milliseconds(), quality, task.AssignedAgentID)
		if err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
		}
	}

	// Rewrite dependency edges for the whole project
	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (project_id, task_id, depends_on_id, condition)
				VALUES (?, ?, ?, ?)
			`, projectID, task.ID, dep.FromID, dep.Condition.String())
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, dep.FromID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LoadTaskGraph retrieves a project's task snapshot, including
// dependency edges and conditions.
func (s *SQLiteStore) LoadTaskGraph(ctx context.Context, projectID string) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, type, skills, status, retry_count, max_retries, estimated_duration_ms, quality_score, assigned_agent_id
		FROM tasks
		WHERE project_id = ?
		ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task := &scheduler.Task{}
		var skills, status string
		var durationMs int64
		var quality sql.NullFloat64
		var agentID sql.NullString

		err := rows.Scan(&task.ID, &task.Title, &task.Type, &skills, &status,
			&task.RetryCount, &task.MaxRetries, &durationMs, &quality, &agentID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		if skills != "" {
			task.Skills = strings.Split(skills, ",")
		}
		task.Status, err = scheduler.ParseStatus(status)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}
		task.EstimatedDuration = time.Duration(durationMs) * time.Millisecond
		if quality.Valid {
			q := quality.Float64
			task.QualityScore = &q
		}
		task.AssignedAgentID = agentID.String

		deps, err := s.loadDependencies(ctx, projectID, task.ID)
		if err != nil {
			return nil, err
		}
		task.Dependencies = deps

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// ListProjects returns the distinct project IDs with stored snapshots.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM tasks ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, projectID, taskID string) ([]scheduler.DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id, condition
		FROM task_dependencies
		WHERE project_id = ? AND task_id = ?
	`, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var deps []scheduler.DependencyEdge
	for rows.Next() {
		var fromID, condStr string
		if err := rows.Scan(&fromID, &condStr); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		cond, err := scheduler.ParseCondition(condStr)
		if err != nil {
			return nil, fmt.Errorf("dependency %s -> %s: %w", taskID, fromID, err)
		}
		deps = append(deps, scheduler.DependencyEdge{FromID: fromID, Condition: cond})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}
