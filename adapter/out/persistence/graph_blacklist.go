package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"mailgraph/core/domain"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// BlacklistAdapter - persisted domain blacklist
// =============================================================================

type BlacklistAdapter struct {
	db *sqlx.DB
}

func NewBlacklistAdapter(db *sqlx.DB) *BlacklistAdapter {
	return &BlacklistAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type blacklistEntity struct {
	Domain    string         `db:"domain"`
	Category  string         `db:"category"`
	Source    sql.NullString `db:"source"`
	CreatedAt time.Time      `db:"created_at"`
}

func (e *blacklistEntity) toDomain() *domain.BlacklistedDomain {
	entry := &domain.BlacklistedDomain{
		Domain:    e.Domain,
		Category:  domain.BlacklistCategory(e.Category),
		CreatedAt: e.CreatedAt,
	}
	if e.Source.Valid {
		entry.Source = e.Source.String
	}
	return entry
}

// =============================================================================
// Queries
// =============================================================================

func (a *BlacklistAdapter) Contains(ctx context.Context, dom string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM blacklisted_domains WHERE domain = $1)`
	if err := a.db.GetContext(ctx, &exists, query, strings.ToLower(dom)); err != nil {
		return false, err
	}
	return exists, nil
}

func (a *BlacklistAdapter) Snapshot(ctx context.Context) ([]string, error) {
	var domains []string
	query := `SELECT domain FROM blacklisted_domains ORDER BY domain ASC`
	if err := a.db.SelectContext(ctx, &domains, query); err != nil {
		return nil, err
	}
	return domains, nil
}

func (a *BlacklistAdapter) Count(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM blacklisted_domains`
	if err := a.db.GetContext(ctx, &count, query); err != nil {
		return 0, err
	}
	return count, nil
}

func (a *BlacklistAdapter) List(ctx context.Context, category domain.BlacklistCategory) ([]*domain.BlacklistedDomain, error) {
	var entities []blacklistEntity
	var err error
	if category == "" {
		query := `SELECT * FROM blacklisted_domains ORDER BY domain ASC`
		err = a.db.SelectContext(ctx, &entities, query)
	} else {
		query := `SELECT * FROM blacklisted_domains WHERE category = $1 ORDER BY domain ASC`
		err = a.db.SelectContext(ctx, &entities, query, string(category))
	}
	if err != nil {
		return nil, err
	}

	entries := make([]*domain.BlacklistedDomain, len(entities))
	for i, e := range entities {
		entries[i] = e.toDomain()
	}
	return entries, nil
}

// =============================================================================
// Mutations
// =============================================================================

func (a *BlacklistAdapter) Add(ctx context.Context, entry *domain.BlacklistedDomain) error {
	if entry == nil || entry.Domain == "" {
		return ErrInvalidInput
	}
	if !entry.Category.Valid() {
		return ErrInvalidInput
	}

	query := `
		INSERT INTO blacklisted_domains (domain, category, source, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (domain) DO NOTHING
	`
	_, err := a.db.ExecContext(ctx, query,
		strings.ToLower(entry.Domain),
		string(entry.Category),
		toNullableStr(entry.Source),
	)
	return err
}

// AddMany inserts a set of domains in one statement via unnest, skipping
// rows already present. Returns the number actually inserted.
func (a *BlacklistAdapter) AddMany(ctx context.Context, domains []string, category domain.BlacklistCategory, source string) (int64, error) {
	if len(domains) == 0 {
		return 0, nil
	}
	if !category.Valid() {
		return 0, ErrInvalidInput
	}

	lowered := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			lowered = append(lowered, d)
		}
	}
	if len(lowered) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO blacklisted_domains (domain, category, source, created_at)
		SELECT d, $2, $3, NOW() FROM unnest($1::text[]) AS d
		ON CONFLICT (domain) DO NOTHING
	`
	res, err := a.db.ExecContext(ctx, query, pq.Array(lowered), string(category), toNullableStr(source))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a *BlacklistAdapter) Remove(ctx context.Context, dom string) (bool, error) {
	query := `DELETE FROM blacklisted_domains WHERE domain = $1`
	res, err := a.db.ExecContext(ctx, query, strings.ToLower(dom))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func toNullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
