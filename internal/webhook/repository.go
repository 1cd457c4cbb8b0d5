package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradepulse/engine/pkg/models"
)

// Repository handles webhook identity persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new webhook identity repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// UpsertToken installs a new token for the user in a single statement.
// The unique constraint on user_id plus the upsert guarantees there is
// never a window with zero or two active tokens.
func (r *Repository) UpsertToken(ctx context.Context, userID, token string) (*models.WebhookIdentity, error) {
	var identity models.WebhookIdentity

	err := r.db.GetContext(ctx, &identity, `
		INSERT INTO webhook_identities (id, user_id, token, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			token = EXCLUDED.token,
			is_active = true,
			updated_at = EXCLUDED.updated_at
		RETURNING id, user_id, token, is_active, allow_multi_position,
		          default_amount_quote, last_used_at, created_at, updated_at
	`, uuid.NewString(), userID, token, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert webhook token: %w", err)
	}

	return &identity, nil
}

// GetActiveByToken finds the identity owning an active token
func (r *Repository) GetActiveByToken(ctx context.Context, token string) (*models.WebhookIdentity, error) {
	var identity models.WebhookIdentity

	err := r.db.GetContext(ctx, &identity, `
		SELECT id, user_id, token, is_active, allow_multi_position,
		       default_amount_quote, last_used_at, created_at, updated_at
		FROM webhook_identities
		WHERE token = $1 AND is_active = true
	`, token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up webhook token: %w", err)
	}

	return &identity, nil
}

// GetByUserID finds the identity for a user
func (r *Repository) GetByUserID(ctx context.Context, userID string) (*models.WebhookIdentity, error) {
	var identity models.WebhookIdentity

	err := r.db.GetContext(ctx, &identity, `
		SELECT id, user_id, token, is_active, allow_multi_position,
		       default_amount_quote, last_used_at, created_at, updated_at
		FROM webhook_identities
		WHERE user_id = $1
	`, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook identity: %w", err)
	}

	return &identity, nil
}

// TouchLastUsed stamps last_used_at on the identity
func (r *Repository) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_identities SET last_used_at = $2 WHERE id = $1
	`, id, time.Now())
	return err
}

// SetActive toggles an identity without rotating its token.
// Returns false when the user has no identity yet.
func (r *Repository) SetActive(ctx context.Context, userID string, active bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_identities
		SET is_active = $2, updated_at = $3
		WHERE user_id = $1
	`, userID, active, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to toggle webhook identity: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}
