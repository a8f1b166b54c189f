package domain

import (
	"strings"
	"time"
)

// Role is the position of an address within a message.
type Role string

const (
	RoleFrom Role = "from"
	RoleTo   Role = "to"
	RoleCc   Role = "cc"
)

// Address is one parsed mailbox. Address and Domain are lowercased;
// Name keeps the display name exactly as written in the header.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	Domain  string `json:"domain"`
}

// Participant is an address tagged with its role in a message.
type Participant struct {
	Address
	Role Role `json:"role"`
}

// MailMessage is the provider-neutral metadata view of one message.
// Header values come through raw; the processor parses them. Bodies are
// never fetched or stored.
type MailMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`

	FromHeader string `json:"from_header,omitempty"`
	ToHeader   string `json:"to_header,omitempty"`
	CcHeader   string `json:"cc_header,omitempty"`
	Subject    string `json:"subject,omitempty"`
	DateHeader string `json:"date_header,omitempty"`

	// InternalDate is the provider's receive timestamp in ms since epoch,
	// the fallback when the Date header is missing or unparsable.
	InternalDate int64 `json:"internal_date"`
}

// SentBySelf reports whether any From address equals the account's own
// address, compared case-insensitively.
func SentBySelf(from []Address, self string) bool {
	self = strings.ToLower(strings.TrimSpace(self))
	for _, a := range from {
		if a.Address == self {
			return true
		}
	}
	return false
}

// ResolveDate returns the message timestamp in UTC: the parsed Date header
// when present, otherwise the provider's internal timestamp.
func (m *MailMessage) ResolveDate(parseHeader func(string) (time.Time, error)) time.Time {
	if m.DateHeader != "" {
		if ts, err := parseHeader(m.DateHeader); err == nil {
			return ts.UTC()
		}
	}
	return time.UnixMilli(m.InternalDate).UTC()
}
