package domain

import (
	"time"
)

// =============================================================================
// Relationship Graph Entities
// =============================================================================
//
// Company 1..N Domain, Company 1..N Contact, Contact 1..N EmailAddress.
// Deleting a Company removes its Domains, Contacts and their EmailAddresses.
// Domain and EmailAddress keys are stored lowercased.

// Stats is the interaction statistics block shared by every graph entity.
// Counters only grow. Meetings counters are reserved for a future calendar
// source and stay at zero.
type Stats struct {
	EmailsTo          int64 `json:"emails_to"`
	EmailsFrom        int64 `json:"emails_from"`
	EmailsIncluded    int64 `json:"emails_included"`
	MeetingsCompleted int64 `json:"meetings_completed"`
	MeetingsUpcoming  int64 `json:"meetings_upcoming"`

	FirstSeen *time.Time `json:"first_seen,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// Company is an organization observed through mail traffic. A company
// created lazily during ingestion takes its first domain as the name;
// ingestion never renames it afterwards.
type Company struct {
	ID   string  `json:"id"`
	Name *string `json:"name,omitempty"`

	Stats

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Domain is a mail domain owned by a company.
type Domain struct {
	Domain    string `json:"domain"`
	CompanyID string `json:"company_id"`
	IsPrimary bool   `json:"is_primary"`

	Stats

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is a person at a company. Name is filled from the first observed
// display name and never overwritten once set.
type Contact struct {
	ID        string  `json:"id"`
	CompanyID string  `json:"company_id"`
	Name      *string `json:"name,omitempty"`

	RecentThreads ThreadList `json:"recent_threads"`

	Stats

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailAddress is one mailbox belonging to a contact. ObservedName is the
// display name seen when the address first appeared, write-once like
// Contact.Name.
type EmailAddress struct {
	Address      string  `json:"address"`
	ContactID    string  `json:"contact_id"`
	Domain       string  `json:"domain"`
	ObservedName *string `json:"observed_name,omitempty"`
	Active       bool    `json:"active"`

	RecentThreads ThreadList `json:"recent_threads"`

	Stats

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the best human-readable name for a company.
func (c *Company) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return c.ID
}

// TotalEmails returns the sum of all email counters.
func (s *Stats) TotalEmails() int64 {
	return s.EmailsTo + s.EmailsFrom + s.EmailsIncluded
}
