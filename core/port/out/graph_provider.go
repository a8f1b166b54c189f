package out

import (
	"context"
	"errors"

	"mailgraph/core/domain"
)

// =============================================================================
// Mail Provider Port
// =============================================================================

// ListQuery selects a page of message ids.
type ListQuery struct {
	// Query is the provider search expression, e.g. a day window
	// "after:2024/03/01 before:2024/03/02". Empty lists everything.
	Query      string
	PageToken  string
	MaxResults int64
}

// MessagePage is one page of message ids.
type MessagePage struct {
	IDs           []string
	NextPageToken string
	SizeEstimate  int64
}

// HistoryQuery walks provider change history from a cursor.
type HistoryQuery struct {
	StartCursor string
	PageToken   string
}

// HistoryPage is one page of history: ids of newly added messages plus
// the cursor to persist once the page is handled.
type HistoryPage struct {
	AddedIDs      []string
	NextPageToken string
	Cursor        string
}

// MailProfile describes the connected mailbox.
type MailProfile struct {
	EmailAddress  string
	HistoryCursor string
	MessagesTotal int64
}

// MailProvider is the outbound port to one mail account. Implementations
// own authentication (token refresh) and transient-error retry; callers
// see typed ProviderErrors.
type MailProvider interface {
	ListMessages(ctx context.Context, q ListQuery) (*MessagePage, error)
	GetMessage(ctx context.Context, id string) (*domain.MailMessage, error)

	// BatchGetMessages fetches metadata for many ids with bounded
	// parallelism. Individual not-found ids are skipped, not errors.
	BatchGetMessages(ctx context.Context, ids []string) ([]*domain.MailMessage, error)

	GetHistory(ctx context.Context, q HistoryQuery) (*HistoryPage, error)
	GetProfile(ctx context.Context) (*MailProfile, error)
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"

	// ProviderErrSyncRequired means the history cursor is expired or
	// unknown; the caller must fall back to a full rescan.
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsSyncRequired reports whether err is a cursor-expired provider error.
func IsSyncRequired(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ProviderErrSyncRequired
}
