package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/dispatch/internal/agents"
)

// SaveAgent stores or updates an agent definition. Capabilities are
// stored as a JSON object.
func (s *SQLiteStore) SaveAgent(ctx context.Context, def agents.Definition) error {
	caps, err := json.Marshal(def.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, capabilities, max_concurrent_instances)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			max_concurrent_instances = excluded.max_concurrent_instances,
			updated_at = CURRENT_TIMESTAMP
	`, def.ID, def.Name, string(caps), def.MaxConcurrentInstances)
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", def.ID, err)
	}
	return nil
}

// LoadAgents retrieves all stored agent definitions.
func (s *SQLiteStore) LoadAgents(ctx context.Context) ([]agents.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, capabilities, max_concurrent_instances
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var defs []agents.Definition
	for rows.Next() {
		var def agents.Definition
		var caps string
		if err := rows.Scan(&def.ID, &def.Name, &caps, &def.MaxConcurrentInstances); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &def.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities for %s: %w", def.ID, err)
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return defs, nil
}

// SaveWeight stores an agent's current performance weight.
func (s *SQLiteStore) SaveWeight(ctx context.Context, agentID string, weight float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_weights (agent_id, weight)
		VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			weight = excluded.weight,
			updated_at = CURRENT_TIMESTAMP
	`, agentID, weight)
	if err != nil {
		return fmt.Errorf("failed to save weight for %s: %w", agentID, err)
	}
	return nil
}

// LoadWeights retrieves all stored agent weights.
func (s *SQLiteStore) LoadWeights(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, weight FROM agent_weights`)
	if err != nil {
		return nil, fmt.Errorf("failed to query weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var id string
		var w float64
		if err := rows.Scan(&id, &w); err != nil {
			return nil, fmt.Errorf("failed to scan weight: %w", err)
		}
		weights[id] = w
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating weights: %w", err)
	}
	return weights, nil
}
