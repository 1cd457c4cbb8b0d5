package clickhouse

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/adapters/config"
	"github.com/tradepulse/engine/internal/audit"
	"github.com/tradepulse/engine/pkg/logger"
)

// Repository handles the ClickHouse audit event table
type Repository struct {
	db *sqlx.DB
}

// NewRepository connects to ClickHouse and prepares the events table
func NewRepository(cfg *config.ClickHouseConfig) (*Repository, error) {
	dsn := fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s?dial_timeout=5s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	r := &Repository{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}

	logger.Info("clickhouse audit sink connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
	)

	return r, nil
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			timestamp DateTime64(3),
			user_id   String,
			kind      LowCardinality(String),
			detail    String
		)
		ENGINE = MergeTree()
		ORDER BY (user_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 90 DAY
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return nil
}

// SaveEvents writes a batch of audit events
func (r *Repository) SaveEvents(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clickhouse batch: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO audit_events (timestamp, user_id, kind, detail) VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Timestamp, e.UserID, e.Kind, e.Detail); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to append audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}

	return nil
}

// Close closes the clickhouse connection
func (r *Repository) Close() error {
	return r.db.Close()
}
