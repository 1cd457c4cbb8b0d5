package telegram

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ChannelRepository resolves users to their telegram chat ids
type ChannelRepository struct {
	db *sqlx.DB
}

// NewChannelRepository creates new notification channel repository
func NewChannelRepository(db *sqlx.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// GetChatIDByUserID returns the user's telegram chat id
func (r *ChannelRepository) GetChatIDByUserID(ctx context.Context, userID string) (int64, error) {
	var chatID int64
	err := r.db.GetContext(ctx, &chatID, `
		SELECT chat_id
		FROM notification_channels
		WHERE user_id = $1 AND channel = 'telegram' AND is_active = true
	`, userID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no telegram channel for user %s", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load telegram channel: %w", err)
	}
	return chatID, nil
}

// SaveChannel registers or updates the user's telegram chat id
func (r *ChannelRepository) SaveChannel(ctx context.Context, userID string, chatID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_channels (user_id, channel, chat_id, is_active)
		VALUES ($1, 'telegram', $2, true)
		ON CONFLICT (user_id, channel)
		DO UPDATE SET chat_id = EXCLUDED.chat_id, is_active = true
	`, userID, chatID)
	if err != nil {
		return fmt.Errorf("failed to save telegram channel: %w", err)
	}
	return nil
}
