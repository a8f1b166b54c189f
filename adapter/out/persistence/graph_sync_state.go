package persistence

import (
	"context"
	"database/sql"
	"time"

	"mailgraph/core/domain"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// SyncStateAdapter - per-account ingestion progress
// =============================================================================

type SyncStateAdapter struct {
	db *sqlx.DB
}

func NewSyncStateAdapter(db *sqlx.DB) *SyncStateAdapter {
	return &SyncStateAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type syncStateEntity struct {
	Account        string         `db:"account"`
	ProviderCursor sql.NullString `db:"provider_cursor"`
	LastSyncAt     sql.NullTime   `db:"last_sync_at"`
	BatchDay       sql.NullString `db:"batch_day"`
	PageToken      sql.NullString `db:"page_token"`
	PageNumber     int            `db:"page_number"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (e *syncStateEntity) toDomain() *domain.SyncState {
	state := &domain.SyncState{
		Account:    e.Account,
		PageNumber: e.PageNumber,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}

	if e.ProviderCursor.Valid {
		state.ProviderCursor = e.ProviderCursor.String
	}
	if e.LastSyncAt.Valid {
		t := e.LastSyncAt.Time
		state.LastSyncAt = &t
	}
	if e.BatchDay.Valid {
		state.BatchDay = e.BatchDay.String
	}
	if e.PageToken.Valid {
		state.PageToken = e.PageToken.String
	}

	return state
}

// =============================================================================
// CRUD
// =============================================================================

func (a *SyncStateAdapter) Get(ctx context.Context, account string) (*domain.SyncState, error) {
	var entity syncStateEntity
	query := `SELECT * FROM sync_states WHERE account = $1`
	if err := a.db.GetContext(ctx, &entity, query, account); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *SyncStateAdapter) All(ctx context.Context) ([]*domain.SyncState, error) {
	var entities []syncStateEntity
	query := `SELECT * FROM sync_states ORDER BY account ASC`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}

	states := make([]*domain.SyncState, len(entities))
	for i, e := range entities {
		states[i] = e.toDomain()
	}
	return states, nil
}

// Put applies a partial update, creating the row on first sight of the
// account. Nil patch fields keep the stored value; non-nil zero values
// clear it, which is how the batch path drops a consumed page token.
func (a *SyncStateAdapter) Put(ctx context.Context, account string, patch domain.SyncStatePatch) error {
	if account == "" {
		return ErrInvalidInput
	}

	query := `
		INSERT INTO sync_states (
			account, provider_cursor, last_sync_at, batch_day, page_token, page_number
		)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, 0))
		ON CONFLICT (account) DO UPDATE SET
			provider_cursor = COALESCE($2, sync_states.provider_cursor),
			last_sync_at    = COALESCE($3, sync_states.last_sync_at),
			batch_day       = COALESCE($4, sync_states.batch_day),
			page_token      = COALESCE($5, sync_states.page_token),
			page_number     = COALESCE($6, sync_states.page_number),
			updated_at      = NOW()
	`

	_, err := a.db.ExecContext(ctx, query,
		account,
		toNullableStringPtr(patch.ProviderCursor),
		toNullableTimePtr(patch.LastSyncAt),
		toNullableStringPtr(patch.BatchDay),
		toNullableStringPtr(patch.PageToken),
		toNullableIntPtr(patch.PageNumber),
	)
	return err
}

// =============================================================================
// Helper functions
// =============================================================================

func toNullableStringPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func toNullableTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func toNullableIntPtr(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
