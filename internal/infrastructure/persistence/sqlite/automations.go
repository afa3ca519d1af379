package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

const automationColumns = `id, project_id, name, enabled, trigger_config, actions,
	created_at, updated_at, last_triggered_at, trigger_count`

func scanAutomation(row rowScanner) (*domain.Automation, error) {
	var (
		a                  domain.Automation
		trigger, actions   string
		createdAt, updated int64
		lastTriggered      sql.Null[int64]
	)
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.Name, &a.Enabled, &trigger, &actions,
		&createdAt, &updated, &lastTriggered, &a.TriggerCount,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(trigger, &a.Trigger); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actions, &a.Actions); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updated)
	a.LastTriggeredAt = fromNullMillis(lastTriggered)
	return &a, nil
}

// SaveAutomation inserts or replaces an automation definition.
func (s *Store) SaveAutomation(ctx context.Context, a *domain.Automation) error {
	trigger, err := marshalJSON(a.Trigger)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(a.Actions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automations (`+automationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			enabled = excluded.enabled,
			trigger_config = excluded.trigger_config,
			actions = excluded.actions,
			updated_at = excluded.updated_at`,
		a.ID, a.ProjectID, a.Name, a.Enabled, trigger, actions,
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
		toNullMillis(a.LastTriggeredAt), a.TriggerCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save automation: %w", err)
	}
	return nil
}

// GetAutomation returns an automation by ID.
func (s *Store) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+automationColumns+` FROM automations WHERE id = ?`, id)
	a, err := scanAutomation(row)
	if isNoRows(err) {
		return nil, domain.ErrAutomationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find automation: %w", err)
	}
	return a, nil
}

// ListAutomations returns automations, optionally filtered by project.
func (s *Store) ListAutomations(ctx context.Context, projectID string) ([]*domain.Automation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+automationColumns+` FROM automations
		WHERE (? = '' OR project_id = ?)
		ORDER BY created_at`,
		projectID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}
	defer rows.Close()

	var all []*domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		all = append(all, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate automations: %w", err)
	}
	return all, nil
}

// DeleteAutomation removes an automation definition.
func (s *Store) DeleteAutomation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAutomationNotFound
	}
	return nil
}

// SetAutomationEnabled flips the enabled flag.
func (s *Store) SetAutomationEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automations SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, toMillis(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set automation enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAutomationNotFound
	}
	return nil
}

// MarkAutomationTriggered records a firing: bumps the trigger count and
// the last-triggered timestamp.
func (s *Store) MarkAutomationTriggered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automations SET
			trigger_count = trigger_count + 1,
			last_triggered_at = ?,
			updated_at = ?
		WHERE id = ?`,
		toMillis(at), toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark automation triggered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAutomationNotFound
	}
	return nil
}
