package domain

import (
	"time"
)

// BlacklistCategory classifies why a domain is blocked.
type BlacklistCategory string

const (
	CategorySpam          BlacklistCategory = "spam"
	CategoryPersonal      BlacklistCategory = "personal"      // free-mail providers
	CategoryTransactional BlacklistCategory = "transactional" // system senders
	CategoryManual        BlacklistCategory = "manual"        // operator action
)

// Valid reports whether the category is one of the closed set.
func (c BlacklistCategory) Valid() bool {
	switch c {
	case CategorySpam, CategoryPersonal, CategoryTransactional, CategoryManual:
		return true
	}
	return false
}

// BlacklistedDomain is one entry of the persisted domain blacklist.
// Domains are stored lowercased.
type BlacklistedDomain struct {
	Domain    string            `json:"domain"`
	Category  BlacklistCategory `json:"category"`
	Source    string            `json:"source,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
