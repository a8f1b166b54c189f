package persistence

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// ProcessedAdapter - at-most-once counting ledger
// =============================================================================

type ProcessedAdapter struct {
	db *sqlx.DB
}

func NewProcessedAdapter(db *sqlx.DB) *ProcessedAdapter {
	return &ProcessedAdapter{db: db}
}

func (a *ProcessedAdapter) Has(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1)`
	if err := a.db.GetContext(ctx, &exists, query, messageID); err != nil {
		return false, err
	}
	return exists, nil
}

// Mark records the message before its counters commit. A crash between
// the two leaves the message marked but uncounted, which undercounts;
// the alternative double-counts, and counters can never be repaired
// after the fact.
func (a *ProcessedAdapter) Mark(ctx context.Context, messageID, account string) error {
	if messageID == "" {
		return ErrInvalidInput
	}
	query := `
		INSERT INTO processed_messages (message_id, account, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err := a.db.ExecContext(ctx, query, messageID, account)
	return err
}

func (a *ProcessedAdapter) Clear(ctx context.Context, messageID string) error {
	query := `DELETE FROM processed_messages WHERE message_id = $1`
	_, err := a.db.ExecContext(ctx, query, messageID)
	return err
}
