// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"time"

	"mailgraph/core/domain"
)

// =============================================================================
// Entity Store - relationship graph persistence
// =============================================================================

// DomainRecord is the lookup view of a domain row.
type DomainRecord struct {
	Domain    string
	CompanyID string
}

// EmailRecord is the lookup view of an email row joined to its contact.
// ContactName is carried so the processor can decide name upgrades without
// a second read.
type EmailRecord struct {
	Address      string
	ContactID    string
	ContactName  *string
	ObservedName *string
}

// NewCompanyDomain stages a company and its first domain for insertion.
// CompanyID is generated by the caller; if a concurrent run inserted the
// domain first, the commit reports the canonical id instead.
type NewCompanyDomain struct {
	CompanyID   string
	CompanyName string
	Domain      string
	IsPrimary   bool
}

// NewContactEmail stages a contact and its address for insertion. Same
// canonical-id rule as NewCompanyDomain, keyed by address.
type NewContactEmail struct {
	ContactID    string
	CompanyID    string
	Name         *string
	Address      string
	Domain       string
	ObservedName *string
}

// GraphInserts is the per-message insert batch.
type GraphInserts struct {
	CompanyDomains []NewCompanyDomain
	ContactEmails  []NewContactEmail
}

// GraphKeys reports the canonical ids after an insert batch. When an
// insert lost a cross-account race the map carries the winner's id and
// the created counters exclude the pair.
type GraphKeys struct {
	CompanyByDomain  map[string]string
	ContactByAddress map[string]string
	Created          domain.CreatedCounts
}

// EntityDelta is one message's aggregated counter contribution to one
// entity. Values are applied relatively (current + delta), never absolutely.
type EntityDelta struct {
	EmailsTo       int64
	EmailsFrom     int64
	EmailsIncluded int64
}

// Empty reports whether the delta carries nothing.
func (d EntityDelta) Empty() bool {
	return d.EmailsTo == 0 && d.EmailsFrom == 0 && d.EmailsIncluded == 0
}

// DeltaBatch is the per-message update batch: counters, first/last seen,
// recent-thread touches and write-once name upgrades. The store commits it
// in a single transaction.
type DeltaBatch struct {
	// Seen is the message date; every touched entity's first_seen/last_seen
	// is folded against it.
	Seen time.Time

	// Thread is appended to the recent-threads list of every contact and
	// email in the batch.
	Thread domain.ThreadRef

	Companies map[string]EntityDelta // keyed by company id
	Domains   map[string]EntityDelta // keyed by domain
	Contacts  map[string]EntityDelta // keyed by contact id
	Emails    map[string]EntityDelta // keyed by address

	// Name upgrades apply only while the stored value is NULL.
	ContactNames map[string]string // contact id -> display name
	EmailNames   map[string]string // address -> observed name
}

// Empty reports whether the batch carries no work.
func (b *DeltaBatch) Empty() bool {
	return len(b.Companies) == 0 && len(b.Domains) == 0 &&
		len(b.Contacts) == 0 && len(b.Emails) == 0 &&
		len(b.ContactNames) == 0 && len(b.EmailNames) == 0
}

// EntityStore is the ingestion-side port of the relationship graph.
type EntityStore interface {
	// FetchDomains bulk-resolves domains to their companies. Missing
	// domains are absent from the result.
	FetchDomains(ctx context.Context, domains []string) (map[string]DomainRecord, error)

	// FetchEmails bulk-resolves addresses with their contact join.
	FetchEmails(ctx context.Context, addresses []string) (map[string]EmailRecord, error)

	// InsertGraph commits staged companies/domains/contacts/emails in one
	// transaction using insert-or-ignore semantics, returning canonical ids.
	InsertGraph(ctx context.Context, ins *GraphInserts) (*GraphKeys, error)

	// ApplyDeltas commits one message's update batch atomically.
	ApplyDeltas(ctx context.Context, batch *DeltaBatch) error
}

// =============================================================================
// Graph Reader - query surface
// =============================================================================

// CompanyQuery filters the company listing.
type CompanyQuery struct {
	Limit  int
	Offset int
	Sort   string // created_at | last_seen | emails
}

// ContactQuery filters the contact listing.
type ContactQuery struct {
	Limit     int
	Offset    int
	CompanyID string
}

// CompanyGraph is a company with its domains and contacts.
type CompanyGraph struct {
	Company  *domain.Company   `json:"company"`
	Domains  []*domain.Domain  `json:"domains"`
	Contacts []*domain.Contact `json:"contacts"`
}

// ContactGraph is a contact with its email addresses.
type ContactGraph struct {
	Contact *domain.Contact        `json:"contact"`
	Emails  []*domain.EmailAddress `json:"emails"`
}

// GraphReader is the read-side port of the relationship graph.
type GraphReader interface {
	ListCompanies(ctx context.Context, q CompanyQuery) ([]*domain.Company, int, error)
	GetCompany(ctx context.Context, id string) (*CompanyGraph, error)
	ListContacts(ctx context.Context, q ContactQuery) ([]*domain.Contact, int, error)
	GetContact(ctx context.Context, id string) (*ContactGraph, error)
	GetDomain(ctx context.Context, name string) (*domain.Domain, error)
	GetEmail(ctx context.Context, address string) (*domain.EmailAddress, error)

	// DeleteCompany removes a company and everything under it, returning
	// the domains it owned so the caller can blacklist them.
	DeleteCompany(ctx context.Context, id string) ([]string, error)
}

// =============================================================================
// Sync State / Processed Messages
// =============================================================================

// SyncStateStore persists per-account ingestion progress.
type SyncStateStore interface {
	// Get returns the account's state, or (nil, nil) when none exists yet.
	Get(ctx context.Context, account string) (*domain.SyncState, error)

	// All returns every account's state.
	All(ctx context.Context) ([]*domain.SyncState, error)

	// Put upserts the account row applying only the fields set in the
	// patch; everything else keeps its stored value.
	Put(ctx context.Context, account string, patch domain.SyncStatePatch) error
}

// ProcessedStore records which messages have been counted.
type ProcessedStore interface {
	Has(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID, account string) error

	// Clear removes the row so a message can be re-counted after an
	// operator intervention.
	Clear(ctx context.Context, messageID string) error
}

// =============================================================================
// Blacklist
// =============================================================================

// BlacklistStore persists the domain blacklist.
type BlacklistStore interface {
	Contains(ctx context.Context, domain string) (bool, error)
	Snapshot(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
	List(ctx context.Context, category domain.BlacklistCategory) ([]*domain.BlacklistedDomain, error)
	Add(ctx context.Context, entry *domain.BlacklistedDomain) error
	AddMany(ctx context.Context, domains []string, category domain.BlacklistCategory, source string) (int64, error)

	// Remove reports whether the domain was present.
	Remove(ctx context.Context, domain string) (bool, error)
}

// BlacklistSnapshot is the cached view of the blacklist with freshness
// stamps: it is valid only while Day is the current UTC day and Count
// matches the store's row count.
type BlacklistSnapshot struct {
	Day     string   `json:"day"` // YYYY-MM-DD, UTC
	Count   int64    `json:"count"`
	Domains []string `json:"domains"`
}

// BlacklistCache is the out-of-process snapshot store. Implementations
// must tolerate being unavailable; callers fall back to point queries.
type BlacklistCache interface {
	Load(ctx context.Context) (*BlacklistSnapshot, error)
	Store(ctx context.Context, snap *BlacklistSnapshot) error
	Invalidate(ctx context.Context) error
}
