package domain

import (
	"time"
)

// =============================================================================
// Sync State - per-account ingestion progress
// =============================================================================

// SyncMode identifies which ingestion path a run took.
type SyncMode string

const (
	SyncModeBatch       SyncMode = "batch"       // cold start: day-windowed walk
	SyncModeIncremental SyncMode = "incremental" // hot path: provider history cursor
	SyncModeFull        SyncMode = "full"        // last resort: full rescan
)

// SyncState tracks where ingestion stands for one account. The account
// label ("work", "personal") is the key; it is operator-assigned and
// opaque to the system.
type SyncState struct {
	Account string `json:"account"`

	// ProviderCursor is the provider's change cursor (Gmail history id)
	// anchoring the incremental path.
	ProviderCursor string     `json:"provider_cursor,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`

	// Cold-start batch window. BatchDay is the day currently being walked
	// (YYYY-MM-DD); a value past today means the batch phase is done.
	// PageToken/PageNumber resume mid-day after a budget cut.
	BatchDay   string `json:"batch_day,omitempty"`
	PageToken  string `json:"page_token,omitempty"`
	PageNumber int    `json:"page_number"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CaughtUp reports whether the cold batch walk has passed the given day.
// ISO dates compare lexicographically.
func (s *SyncState) CaughtUp(today string) bool {
	return s.BatchDay != "" && s.BatchDay > today
}

// HasCursor reports whether the incremental path can start.
func (s *SyncState) HasCursor() bool {
	return s.ProviderCursor != ""
}

// SyncStatePatch is a partial SyncState update. Nil fields leave the
// stored values unchanged; pointers to zero values clear them.
type SyncStatePatch struct {
	ProviderCursor *string
	LastSyncAt     *time.Time
	BatchDay       *string
	PageToken      *string
	PageNumber     *int
}

// ProcessedMessage records that a message has been counted. Its presence
// is what makes ingestion idempotent.
type ProcessedMessage struct {
	MessageID   string    `json:"message_id"`
	Account     string    `json:"account"`
	ProcessedAt time.Time `json:"processed_at"`
}

// =============================================================================
// Sync Report - result of one coordinator invocation
// =============================================================================

// CreatedCounts tallies entities created during a run.
type CreatedCounts struct {
	Companies int `json:"companies"`
	Domains   int `json:"domains"`
	Contacts  int `json:"contacts"`
	Emails    int `json:"emails"`
}

// Add accumulates another tally.
func (c *CreatedCounts) Add(o CreatedCounts) {
	c.Companies += o.Companies
	c.Domains += o.Domains
	c.Contacts += o.Contacts
	c.Emails += o.Emails
}

// MessageError is a per-message processing failure. It does not stop the
// page; failures are reported and the run continues.
type MessageError struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// SyncReport summarizes one coordinator invocation for one account.
type SyncReport struct {
	Account    string         `json:"account"`
	Mode       SyncMode       `json:"mode"`
	Pages      int            `json:"pages"`
	Fetched    int            `json:"fetched"`
	Processed  int            `json:"processed"`
	Duplicates int            `json:"duplicates"`
	Filtered   int            `json:"filtered"`
	Created    CreatedCounts  `json:"created"`
	Errors     []MessageError `json:"errors,omitempty"`
	CaughtUp   bool           `json:"caught_up"`
	BudgetHit  bool           `json:"budget_hit"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Duration returns the wall-clock time the run took.
func (r *SyncReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
