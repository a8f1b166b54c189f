package persistence

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// EntityStoreAdapter - relationship graph persistence
// =============================================================================
//
// Implements both the ingestion-side EntityStore port and the read-side
// GraphReader port over the same four tables.

type EntityStoreAdapter struct {
	db *sqlx.DB
}

func NewEntityStoreAdapter(db *sqlx.DB) *EntityStoreAdapter {
	return &EntityStoreAdapter{db: db}
}

// =============================================================================
// Entities
// =============================================================================

type statsColumns struct {
	EmailsTo          int64        `db:"emails_to"`
	EmailsFrom        int64        `db:"emails_from"`
	EmailsIncluded    int64        `db:"emails_included"`
	MeetingsCompleted int64        `db:"meetings_completed"`
	MeetingsUpcoming  int64        `db:"meetings_upcoming"`
	FirstSeen         sql.NullTime `db:"first_seen"`
	LastSeen          sql.NullTime `db:"last_seen"`
}

func (s *statsColumns) toDomain() domain.Stats {
	stats := domain.Stats{
		EmailsTo:          s.EmailsTo,
		EmailsFrom:        s.EmailsFrom,
		EmailsIncluded:    s.EmailsIncluded,
		MeetingsCompleted: s.MeetingsCompleted,
		MeetingsUpcoming:  s.MeetingsUpcoming,
	}
	if s.FirstSeen.Valid {
		t := s.FirstSeen.Time
		stats.FirstSeen = &t
	}
	if s.LastSeen.Valid {
		t := s.LastSeen.Time
		stats.LastSeen = &t
	}
	return stats
}

type companyEntity struct {
	ID   string         `db:"id"`
	Name sql.NullString `db:"name"`
	statsColumns
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *companyEntity) toDomain() *domain.Company {
	c := &domain.Company{
		ID:        e.ID,
		Stats:     e.statsColumns.toDomain(),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.Name.Valid {
		n := e.Name.String
		c.Name = &n
	}
	return c
}

type domainEntity struct {
	Domain    string `db:"domain"`
	CompanyID string `db:"company_id"`
	IsPrimary bool   `db:"is_primary"`
	statsColumns
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *domainEntity) toDomain() *domain.Domain {
	return &domain.Domain{
		Domain:    e.Domain,
		CompanyID: e.CompanyID,
		IsPrimary: e.IsPrimary,
		Stats:     e.statsColumns.toDomain(),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

type contactEntity struct {
	ID            string         `db:"id"`
	CompanyID     string         `db:"company_id"`
	Name          sql.NullString `db:"name"`
	RecentThreads []byte         `db:"recent_threads"`
	statsColumns
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *contactEntity) toDomain() *domain.Contact {
	c := &domain.Contact{
		ID:        e.ID,
		CompanyID: e.CompanyID,
		Stats:     e.statsColumns.toDomain(),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.Name.Valid {
		n := e.Name.String
		c.Name = &n
	}
	c.RecentThreads, _ = domain.ParseThreadList(e.RecentThreads)
	return c
}

type emailEntity struct {
	Address       string         `db:"address"`
	ContactID     string         `db:"contact_id"`
	Domain        string         `db:"domain"`
	ObservedName  sql.NullString `db:"observed_name"`
	Active        bool           `db:"active"`
	RecentThreads []byte         `db:"recent_threads"`
	statsColumns
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *emailEntity) toDomain() *domain.EmailAddress {
	a := &domain.EmailAddress{
		Address:   e.Address,
		ContactID: e.ContactID,
		Domain:    e.Domain,
		Active:    e.Active,
		Stats:     e.statsColumns.toDomain(),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.ObservedName.Valid {
		n := e.ObservedName.String
		a.ObservedName = &n
	}
	a.RecentThreads, _ = domain.ParseThreadList(e.RecentThreads)
	return a
}

// =============================================================================
// Bulk lookups
// =============================================================================

func (a *EntityStoreAdapter) FetchDomains(ctx context.Context, domains []string) (map[string]out.DomainRecord, error) {
	result := make(map[string]out.DomainRecord, len(domains))
	if len(domains) == 0 {
		return result, nil
	}

	query := `SELECT domain, company_id FROM domains WHERE domain = ANY($1)`
	rows, err := a.db.QueryxContext(ctx, query, pq.Array(domains))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rec struct {
			Domain    string `db:"domain"`
			CompanyID string `db:"company_id"`
		}
		if err := rows.StructScan(&rec); err != nil {
			return nil, err
		}
		result[rec.Domain] = out.DomainRecord{
			Domain:    rec.Domain,
			CompanyID: rec.CompanyID,
		}
	}
	return result, rows.Err()
}

func (a *EntityStoreAdapter) FetchEmails(ctx context.Context, addresses []string) (map[string]out.EmailRecord, error) {
	result := make(map[string]out.EmailRecord, len(addresses))
	if len(addresses) == 0 {
		return result, nil
	}

	query := `
		SELECT e.address, e.contact_id, e.observed_name, c.name AS contact_name
		FROM email_addresses e
		JOIN contacts c ON c.id = e.contact_id
		WHERE e.address = ANY($1)
	`
	rows, err := a.db.QueryxContext(ctx, query, pq.Array(addresses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rec struct {
			Address      string         `db:"address"`
			ContactID    string         `db:"contact_id"`
			ObservedName sql.NullString `db:"observed_name"`
			ContactName  sql.NullString `db:"contact_name"`
		}
		if err := rows.StructScan(&rec); err != nil {
			return nil, err
		}
		er := out.EmailRecord{
			Address:   rec.Address,
			ContactID: rec.ContactID,
		}
		if rec.ObservedName.Valid {
			n := rec.ObservedName.String
			er.ObservedName = &n
		}
		if rec.ContactName.Valid {
			n := rec.ContactName.String
			er.ContactName = &n
		}
		result[rec.Address] = er
	}
	return result, rows.Err()
}

// =============================================================================
// Insert batch
// =============================================================================

// domainClaim inserts the domain row unless another run got there first;
// either way it reports the company id now owning the domain.
const domainClaim = `
	WITH claim AS (
		INSERT INTO domains (domain, company_id, is_primary)
		VALUES ($1, $2, $3)
		ON CONFLICT (domain) DO NOTHING
		RETURNING company_id
	)
	SELECT company_id, TRUE AS won FROM claim
	UNION ALL
	SELECT company_id, FALSE FROM domains
	WHERE domain = $1 AND NOT EXISTS (SELECT 1 FROM claim)
`

const emailClaim = `
	WITH claim AS (
		INSERT INTO email_addresses (address, contact_id, domain, observed_name, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (address) DO NOTHING
		RETURNING contact_id
	)
	SELECT contact_id, TRUE AS won FROM claim
	UNION ALL
	SELECT contact_id, FALSE FROM email_addresses
	WHERE address = $1 AND NOT EXISTS (SELECT 1 FROM claim)
`

func (a *EntityStoreAdapter) InsertGraph(ctx context.Context, ins *out.GraphInserts) (*out.GraphKeys, error) {
	keys := &out.GraphKeys{
		CompanyByDomain:  make(map[string]string),
		ContactByAddress: make(map[string]string),
	}
	if ins == nil || (len(ins.CompanyDomains) == 0 && len(ins.ContactEmails) == 0) {
		return keys, nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, cd := range ins.CompanyDomains {
		// Candidate company first so the domain FK holds. If the domain
		// claim loses a concurrent race the candidate is dropped again.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO companies (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			cd.CompanyID, toNullableStr(cd.CompanyName),
		)
		if err != nil {
			return nil, err
		}

		var canonical string
		var won bool
		if err := tx.QueryRowContext(ctx, domainClaim, cd.Domain, cd.CompanyID, cd.IsPrimary).Scan(&canonical, &won); err != nil {
			return nil, err
		}
		if won {
			keys.Created.Companies++
			keys.Created.Domains++
		} else {
			if _, err := tx.ExecContext(ctx, `DELETE FROM companies WHERE id = $1`, cd.CompanyID); err != nil {
				return nil, err
			}
		}
		keys.CompanyByDomain[cd.Domain] = canonical
	}

	for _, ce := range ins.ContactEmails {
		companyID := ce.CompanyID
		if canonical, ok := keys.CompanyByDomain[ce.Domain]; ok {
			companyID = canonical
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (id, company_id, name) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			ce.ContactID, companyID, ce.Name,
		)
		if err != nil {
			return nil, err
		}

		var canonical string
		var won bool
		if err := tx.QueryRowContext(ctx, emailClaim, ce.Address, ce.ContactID, ce.Domain, ce.ObservedName).Scan(&canonical, &won); err != nil {
			return nil, err
		}
		if won {
			keys.Created.Contacts++
			keys.Created.Emails++
		} else {
			if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1`, ce.ContactID); err != nil {
				return nil, err
			}
		}
		keys.ContactByAddress[ce.Address] = canonical
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

// =============================================================================
// Delta batch
// =============================================================================

const companyDelta = `
	UPDATE companies SET
		emails_to       = emails_to + $2,
		emails_from     = emails_from + $3,
		emails_included = emails_included + $4,
		first_seen      = LEAST(COALESCE(first_seen, $5), $5),
		last_seen       = GREATEST(COALESCE(last_seen, $5), $5),
		updated_at      = NOW()
	WHERE id = $1
`

const domainDelta = `
	UPDATE domains SET
		emails_to       = emails_to + $2,
		emails_from     = emails_from + $3,
		emails_included = emails_included + $4,
		first_seen      = LEAST(COALESCE(first_seen, $5), $5),
		last_seen       = GREATEST(COALESCE(last_seen, $5), $5),
		updated_at      = NOW()
	WHERE domain = $1
`

const contactDelta = `
	UPDATE contacts SET
		emails_to       = emails_to + $2,
		emails_from     = emails_from + $3,
		emails_included = emails_included + $4,
		recent_threads  = $5,
		first_seen      = LEAST(COALESCE(first_seen, $6), $6),
		last_seen       = GREATEST(COALESCE(last_seen, $6), $6),
		updated_at      = NOW()
	WHERE id = $1
`

const emailDelta = `
	UPDATE email_addresses SET
		emails_to       = emails_to + $2,
		emails_from     = emails_from + $3,
		emails_included = emails_included + $4,
		recent_threads  = $5,
		first_seen      = LEAST(COALESCE(first_seen, $6), $6),
		last_seen       = GREATEST(COALESCE(last_seen, $6), $6),
		updated_at      = NOW()
	WHERE address = $1
`

// ApplyDeltas commits one message's contribution in a single transaction.
// Counters are applied relatively so concurrent accounts never clobber each
// other; recent-thread lists are read-modify-written under a row lock.
// Rows deleted since the lookup are skipped, not failed.
func (a *EntityStoreAdapter) ApplyDeltas(ctx context.Context, batch *out.DeltaBatch) error {
	if batch == nil || batch.Empty() {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Sorted key order keeps row locks in a deterministic sequence across
	// concurrent runs.
	for _, id := range sortedKeys(batch.Companies) {
		d := batch.Companies[id]
		if _, err := tx.ExecContext(ctx, companyDelta, id, d.EmailsTo, d.EmailsFrom, d.EmailsIncluded, batch.Seen); err != nil {
			return err
		}
	}

	for _, dom := range sortedKeys(batch.Domains) {
		d := batch.Domains[dom]
		if _, err := tx.ExecContext(ctx, domainDelta, dom, d.EmailsTo, d.EmailsFrom, d.EmailsIncluded, batch.Seen); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(batch.Contacts) {
		d := batch.Contacts[id]
		threads, err := a.touchThreads(ctx, tx, `SELECT recent_threads FROM contacts WHERE id = $1 FOR UPDATE`, id, batch.Thread)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, contactDelta, id, d.EmailsTo, d.EmailsFrom, d.EmailsIncluded, threads, batch.Seen); err != nil {
			return err
		}
	}

	for _, addr := range sortedKeys(batch.Emails) {
		d := batch.Emails[addr]
		threads, err := a.touchThreads(ctx, tx, `SELECT recent_threads FROM email_addresses WHERE address = $1 FOR UPDATE`, addr, batch.Thread)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, emailDelta, addr, d.EmailsTo, d.EmailsFrom, d.EmailsIncluded, threads, batch.Seen); err != nil {
			return err
		}
	}

	for _, id := range sortedStringKeys(batch.ContactNames) {
		name := batch.ContactNames[id]
		if _, err := tx.ExecContext(ctx,
			`UPDATE contacts SET name = $2, updated_at = NOW() WHERE id = $1 AND name IS NULL`,
			id, name,
		); err != nil {
			return err
		}
	}

	for _, addr := range sortedStringKeys(batch.EmailNames) {
		name := batch.EmailNames[addr]
		if _, err := tx.ExecContext(ctx,
			`UPDATE email_addresses SET observed_name = $2, updated_at = NOW() WHERE address = $1 AND observed_name IS NULL`,
			addr, name,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// touchThreads locks the row, folds the thread ref into the stored list and
// returns the new JSON. Unparseable stored JSON starts over empty rather
// than wedging the account.
func (a *EntityStoreAdapter) touchThreads(ctx context.Context, tx *sqlx.Tx, lockQuery, key string, ref domain.ThreadRef) ([]byte, error) {
	var raw []byte
	if err := tx.QueryRowContext(ctx, lockQuery, key).Scan(&raw); err != nil {
		return nil, err
	}

	list, err := domain.ParseThreadList(raw)
	if err != nil {
		list = domain.ThreadList{}
	}
	if ref.ThreadID != "" {
		list = list.Touch(ref)
	}
	return json.Marshal(list)
}

func sortedKeys(m map[string]out.EntityDelta) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Read side
// =============================================================================

func (a *EntityStoreAdapter) ListCompanies(ctx context.Context, q out.CompanyQuery) ([]*domain.Company, int, error) {
	limit, offset := normalizePage(q.Limit, q.Offset)

	var orderBy string
	switch q.Sort {
	case "last_seen":
		orderBy = "last_seen DESC NULLS LAST"
	case "emails":
		orderBy = "(emails_to + emails_from + emails_included) DESC"
	default:
		orderBy = "created_at DESC"
	}

	var total int
	if err := a.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM companies`); err != nil {
		return nil, 0, err
	}

	var entities []companyEntity
	query := `SELECT * FROM companies ORDER BY ` + orderBy + ` LIMIT $1 OFFSET $2`
	if err := a.db.SelectContext(ctx, &entities, query, limit, offset); err != nil {
		return nil, 0, err
	}

	companies := make([]*domain.Company, len(entities))
	for i := range entities {
		companies[i] = entities[i].toDomain()
	}
	return companies, total, nil
}

func (a *EntityStoreAdapter) GetCompany(ctx context.Context, id string) (*out.CompanyGraph, error) {
	var entity companyEntity
	if err := a.db.GetContext(ctx, &entity, `SELECT * FROM companies WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	var domainEntities []domainEntity
	if err := a.db.SelectContext(ctx, &domainEntities,
		`SELECT * FROM domains WHERE company_id = $1 ORDER BY is_primary DESC, domain ASC`, id); err != nil {
		return nil, err
	}

	var contactEntities []contactEntity
	if err := a.db.SelectContext(ctx, &contactEntities,
		`SELECT * FROM contacts WHERE company_id = $1 ORDER BY last_seen DESC NULLS LAST`, id); err != nil {
		return nil, err
	}

	graph := &out.CompanyGraph{
		Company:  entity.toDomain(),
		Domains:  make([]*domain.Domain, len(domainEntities)),
		Contacts: make([]*domain.Contact, len(contactEntities)),
	}
	for i := range domainEntities {
		graph.Domains[i] = domainEntities[i].toDomain()
	}
	for i := range contactEntities {
		graph.Contacts[i] = contactEntities[i].toDomain()
	}
	return graph, nil
}

func (a *EntityStoreAdapter) ListContacts(ctx context.Context, q out.ContactQuery) ([]*domain.Contact, int, error) {
	limit, offset := normalizePage(q.Limit, q.Offset)

	var total int
	var entities []contactEntity
	if q.CompanyID != "" {
		if err := a.db.GetContext(ctx, &total,
			`SELECT COUNT(*) FROM contacts WHERE company_id = $1`, q.CompanyID); err != nil {
			return nil, 0, err
		}
		query := `SELECT * FROM contacts WHERE company_id = $1 ORDER BY last_seen DESC NULLS LAST LIMIT $2 OFFSET $3`
		if err := a.db.SelectContext(ctx, &entities, query, q.CompanyID, limit, offset); err != nil {
			return nil, 0, err
		}
	} else {
		if err := a.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM contacts`); err != nil {
			return nil, 0, err
		}
		query := `SELECT * FROM contacts ORDER BY last_seen DESC NULLS LAST LIMIT $1 OFFSET $2`
		if err := a.db.SelectContext(ctx, &entities, query, limit, offset); err != nil {
			return nil, 0, err
		}
	}

	contacts := make([]*domain.Contact, len(entities))
	for i := range entities {
		contacts[i] = entities[i].toDomain()
	}
	return contacts, total, nil
}

func (a *EntityStoreAdapter) GetContact(ctx context.Context, id string) (*out.ContactGraph, error) {
	var entity contactEntity
	if err := a.db.GetContext(ctx, &entity, `SELECT * FROM contacts WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	var emailEntities []emailEntity
	if err := a.db.SelectContext(ctx, &emailEntities,
		`SELECT * FROM email_addresses WHERE contact_id = $1 ORDER BY last_seen DESC NULLS LAST`, id); err != nil {
		return nil, err
	}

	graph := &out.ContactGraph{
		Contact: entity.toDomain(),
		Emails:  make([]*domain.EmailAddress, len(emailEntities)),
	}
	for i := range emailEntities {
		graph.Emails[i] = emailEntities[i].toDomain()
	}
	return graph, nil
}

func (a *EntityStoreAdapter) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	var entity domainEntity
	if err := a.db.GetContext(ctx, &entity,
		`SELECT * FROM domains WHERE domain = $1`, strings.ToLower(name)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *EntityStoreAdapter) GetEmail(ctx context.Context, address string) (*domain.EmailAddress, error) {
	var entity emailEntity
	if err := a.db.GetContext(ctx, &entity,
		`SELECT * FROM email_addresses WHERE address = $1`, strings.ToLower(address)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// DeleteCompany removes the company subtree and returns the domains it
// owned so the caller can blacklist them.
func (a *EntityStoreAdapter) DeleteCompany(ctx context.Context, id string) ([]string, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var domains []string
	if err := tx.SelectContext(ctx, &domains,
		`SELECT domain FROM domains WHERE company_id = $1`, id); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM email_addresses WHERE contact_id IN (SELECT id FROM contacts WHERE company_id = $1)`, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE company_id = $1`, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM domains WHERE company_id = $1`, id); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM companies WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return domains, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
