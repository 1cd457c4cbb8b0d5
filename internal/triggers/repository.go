package triggers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradepulse/engine/pkg/models"
)

// Repository handles user trigger persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new trigger repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const triggerColumns = `
	id, user_id, trigger_name, condition_type, condition_value, action_type,
	symbol, is_active, armed, last_triggered_at, created_at, updated_at`

// Insert persists a new trigger, armed by default
func (r *Repository) Insert(ctx context.Context, t *models.UserTrigger) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_triggers
			(id, user_id, trigger_name, condition_type, condition_value,
			 action_type, symbol, is_active, armed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $9)
	`, t.ID, t.UserID, t.Name, t.ConditionType, t.ConditionValue,
		t.ActionType, t.Symbol, t.IsActive, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	return nil
}

// GetByID loads one trigger, nil when absent
func (r *Repository) GetByID(ctx context.Context, id string) (*models.UserTrigger, error) {
	var t models.UserTrigger

	err := r.db.GetContext(ctx, &t, `
		SELECT `+triggerColumns+`
		FROM user_triggers
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger: %w", err)
	}

	return &t, nil
}

// ListByUser returns all triggers owned by a user
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]models.UserTrigger, error) {
	var ts []models.UserTrigger
	err := r.db.SelectContext(ctx, &ts, `
		SELECT `+triggerColumns+`
		FROM user_triggers
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	return ts, nil
}

// ListActive returns every active trigger across users
func (r *Repository) ListActive(ctx context.Context) ([]models.UserTrigger, error) {
	var ts []models.UserTrigger
	err := r.db.SelectContext(ctx, &ts, `
		SELECT `+triggerColumns+`
		FROM user_triggers
		WHERE is_active = true
		ORDER BY user_id, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active triggers: %w", err)
	}
	return ts, nil
}

// Update rewrites the user-editable trigger fields
func (r *Repository) Update(ctx context.Context, t *models.UserTrigger) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_triggers
		SET trigger_name = $2, condition_type = $3, condition_value = $4,
		    action_type = $5, symbol = $6, is_active = $7, updated_at = $8
		WHERE id = $1
	`, t.ID, t.Name, t.ConditionType, t.ConditionValue,
		t.ActionType, t.Symbol, t.IsActive, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	return nil
}

// Delete removes a trigger
func (r *Repository) Delete(ctx context.Context, id, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM user_triggers WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete trigger: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// FireCAS disarms a trigger exactly once per breach episode and stamps
// last_triggered_at. Returns false when another evaluator won the race.
func (r *Repository) FireCAS(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_triggers
		SET armed = false, last_triggered_at = $2, updated_at = $2
		WHERE id = $1 AND armed = true AND is_active = true
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to fire trigger: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RearmCAS re-arms a trigger after its condition cleared
func (r *Repository) RearmCAS(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_triggers
		SET armed = true, updated_at = $2
		WHERE id = $1 AND armed = false AND is_active = true
	`, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to rearm trigger: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
