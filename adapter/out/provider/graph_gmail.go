// Package provider implements the outbound mail provider port on the
// Gmail API. One adapter instance serves one account.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"
	"mailgraph/pkg/httputil"
	"mailgraph/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const providerName = "gmail"

const (
	// maxRetryAttempts bounds transient-error retries per call.
	maxRetryAttempts = 3
	retryBaseDelay   = 1000 * time.Millisecond

	// batchConcurrency limits parallel message fetches so one page
	// does not burn through the per-user quota.
	batchConcurrency  = 5
	perMessageTimeout = 15 * time.Second
)

// metadataHeaders is the header set requested from Gmail. Metadata
// format skips bodies, which keeps responses small.
var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date"}

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProvider for one Gmail account.
type GmailAdapter struct {
	account string
	svc     *gmail.Service
	cb      *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// GmailConfig holds per-account Gmail credentials.
type GmailConfig struct {
	Account      string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// NewGmailAdapter builds a Gmail client for one account. Access tokens
// are minted on demand from the refresh token by the oauth2 token
// source, so the adapter stays authenticated across restarts.
func NewGmailAdapter(ctx context.Context, cfg GmailConfig) (*GmailAdapter, error) {
	if cfg.Account == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("gmail adapter: account and refresh token are required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("gmail adapter: oauth client credentials are required")
	}

	// Token refresh and API calls share the pooled base transport.
	base := httputil.NewClient(httputil.GmailClientConfig())
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	hc := oauth2.NewClient(ctx, ts)
	// oauth2.NewClient drops the base client's overall timeout.
	hc.Timeout = base.Timeout

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	log := logger.WithAccount(cfg.Account)

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api-" + cfg.Account,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Client errors are the caller's problem, not the API's health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			_, ok := err.(*nonCircuitError)
			return ok
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &GmailAdapter{
		account: cfg.Account,
		svc:     svc,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		log:     log,
	}, nil
}

// Account returns the mailbox this adapter is bound to.
func (a *GmailAdapter) Account() string {
	return a.account
}

// =============================================================================
// MailProvider
// =============================================================================

func (a *GmailAdapter) ListMessages(ctx context.Context, q out.ListQuery) (*out.MessagePage, error) {
	var resp *gmail.ListMessagesResponse
	err := a.call(ctx, "list messages", func() error {
		req := a.svc.Users.Messages.List("me")
		if q.Query != "" {
			req = req.Q(q.Query)
		}
		if q.PageToken != "" {
			req = req.PageToken(q.PageToken)
		}
		if q.MaxResults > 0 {
			req = req.MaxResults(q.MaxResults)
		}
		var callErr error
		resp, callErr = req.Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	page := &out.MessagePage{
		NextPageToken: resp.NextPageToken,
		SizeEstimate:  resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

func (a *GmailAdapter) GetMessage(ctx context.Context, id string) (*domain.MailMessage, error) {
	var msg *gmail.Message
	err := a.call(ctx, "get message", func() error {
		var callErr error
		msg, callErr = a.svc.Users.Messages.Get("me", id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

// BatchGetMessages fetches metadata for many ids with bounded
// parallelism. Ids deleted between list and fetch are skipped; any
// other failure aborts the batch so the caller can resume the page.
func (a *GmailAdapter) BatchGetMessages(ctx context.Context, ids []string) ([]*domain.MailMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	type result struct {
		index int
		msg   *domain.MailMessage
		err   error
	}

	results := make(chan result, len(ids))
	sem := make(chan struct{}, batchConcurrency)

	for i, id := range ids {
		go func(idx int, id string) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- result{index: idx, err: a.wrapError(ctx.Err(), "fetch cancelled")}
				return
			}

			msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
			defer cancel()

			var msg *gmail.Message
			err := a.call(msgCtx, "get message", func() error {
				var callErr error
				msg, callErr = a.svc.Users.Messages.Get("me", id).
					Format("metadata").
					MetadataHeaders(metadataHeaders...).
					Context(msgCtx).Do()
				return callErr
			})
			if err != nil {
				results <- result{index: idx, err: err}
				return
			}
			results <- result{index: idx, msg: convertMessage(msg)}
		}(i, id)
	}

	// Every goroutine sends exactly one result, cancelled ones included.
	ordered := make([]*domain.MailMessage, len(ids))
	var firstErr error
	for range ids {
		r := <-results
		if r.err != nil {
			var pe *out.ProviderError
			if errors.As(r.err, &pe) && pe.Code == out.ProviderErrNotFound {
				continue
			}
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		ordered[r.index] = r.msg
	}
	if firstErr != nil {
		return nil, firstErr
	}

	fetched := make([]*domain.MailMessage, 0, len(ids))
	for _, m := range ordered {
		if m != nil {
			fetched = append(fetched, m)
		}
	}
	return fetched, nil
}

func (a *GmailAdapter) GetHistory(ctx context.Context, q out.HistoryQuery) (*out.HistoryPage, error) {
	start, err := strconv.ParseUint(q.StartCursor, 10, 64)
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrSyncRequired, "History cursor is not usable", err, false)
	}

	var resp *gmail.ListHistoryResponse
	err = a.call(ctx, "list history", func() error {
		req := a.svc.Users.History.List("me").
			StartHistoryId(start).
			HistoryTypes("messageAdded")
		if q.PageToken != "" {
			req = req.PageToken(q.PageToken)
		}
		var callErr error
		resp, callErr = req.Context(ctx).Do()
		return callErr
	})
	if err != nil {
		// Gmail answers 404 when the start cursor has aged out.
		var pe *out.ProviderError
		if errors.As(err, &pe) && pe.Code == out.ProviderErrNotFound {
			return nil, out.NewProviderError(providerName, out.ProviderErrSyncRequired, "Full sync required", pe.Err, false)
		}
		return nil, err
	}

	page := &out.HistoryPage{
		NextPageToken: resp.NextPageToken,
		Cursor:        q.StartCursor,
	}
	if resp.HistoryId > 0 {
		page.Cursor = fmt.Sprintf("%d", resp.HistoryId)
	}

	seen := make(map[string]bool)
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			page.AddedIDs = append(page.AddedIDs, added.Message.Id)
		}
	}
	return page, nil
}

func (a *GmailAdapter) GetProfile(ctx context.Context) (*out.MailProfile, error) {
	var profile *gmail.Profile
	err := a.call(ctx, "get profile", func() error {
		var callErr error
		profile, callErr = a.svc.Users.GetProfile("me").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	return &out.MailProfile{
		EmailAddress:  profile.EmailAddress,
		HistoryCursor: fmt.Sprintf("%d", profile.HistoryId),
		MessagesTotal: profile.MessagesTotal,
	}, nil
}

// =============================================================================
// Conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *domain.MailMessage {
	m := &domain.MailMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		InternalDate: msg.InternalDate,
	}
	if msg.Payload == nil {
		return m
	}

	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "From":
			m.FromHeader = h.Value
		case "To":
			m.ToHeader = h.Value
		case "Cc":
			m.CcHeader = h.Value
		case "Subject":
			m.Subject = h.Value
		case "Date":
			m.DateHeader = h.Value
		}
	}
	return m
}

// =============================================================================
// Call plumbing
// =============================================================================

// call runs fn through the circuit breaker and retries transient
// failures with exponential backoff. The returned error is always a
// *out.ProviderError.
func (a *GmailAdapter) call(ctx context.Context, op string, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = a.execute(fn)
		if err == nil {
			return nil
		}
		if attempt >= maxRetryAttempts || !isTransient(err) {
			break
		}
		a.log.WithError(err).Warn("%s failed, retrying in %s (attempt %d/%d)", op, delay, attempt, maxRetryAttempts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return a.wrapError(ctx.Err(), "failed to "+op)
		}
		delay *= 2
	}
	return a.wrapError(err, "failed to "+op)
}

// execute wraps one API call with circuit breaker protection. Client
// errors (4xx other than 429) never trip the circuit.
func (a *GmailAdapter) execute(fn func() error) error {
	_, err := a.cb.Execute(func() (any, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func isTransient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503:
			return true
		}
		return false
	}
	// Transport-level failures are worth another attempt.
	return true
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError(providerName, out.ProviderErrServer, "Circuit open, rejecting calls", err, false)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			return out.NewProviderError(providerName, out.ProviderErrInvalidInput, "Invalid request", err, false)
		case 401:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError(providerName, out.ProviderErrServer, "Server error", err, true)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return out.NewProviderError(providerName, out.ProviderErrNetwork, defaultMsg, err, false)
	}

	return out.NewProviderError(providerName, out.ProviderErrServer, defaultMsg, err, true)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.MailProvider = (*GmailAdapter)(nil)
