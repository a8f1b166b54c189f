// Package query is the read/admin side of the graph: listing and lookup
// for the HTTP surface, blacklist administration, sync status and manual
// sync requests. It never mutates graph entities except through the
// company-delete cascade.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"
	"mailgraph/core/service/blacklist"
	"mailgraph/pkg/apperr"
	"mailgraph/pkg/logger"
)

// Service wires the graph reader, the blacklist engine and the sync
// plumbing behind one API-facing surface.
type Service struct {
	reader   out.GraphReader
	states   out.SyncStateStore
	engine   *blacklist.Engine
	producer out.JobProducer

	accounts map[string]struct{}
}

// NewService builds the query service. accounts is the configured account
// list; manual sync requests for anything else are rejected.
func NewService(
	reader out.GraphReader,
	states out.SyncStateStore,
	engine *blacklist.Engine,
	producer out.JobProducer,
	accounts []string,
) *Service {
	known := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		known[a] = struct{}{}
	}
	return &Service{
		reader:   reader,
		states:   states,
		engine:   engine,
		producer: producer,
		accounts: known,
	}
}

// =============================================================================
// Companies / Contacts
// =============================================================================

func (s *Service) ListCompanies(ctx context.Context, q out.CompanyQuery) ([]*domain.Company, int, error) {
	return s.reader.ListCompanies(ctx, q)
}

func (s *Service) GetCompany(ctx context.Context, id string) (*out.CompanyGraph, error) {
	if id == "" {
		return nil, apperr.MissingField("id")
	}
	graph, err := s.reader.GetCompany(ctx, id)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, apperr.NotFound("company")
	}
	return graph, nil
}

func (s *Service) ListContacts(ctx context.Context, q out.ContactQuery) ([]*domain.Contact, int, error) {
	return s.reader.ListContacts(ctx, q)
}

func (s *Service) GetContact(ctx context.Context, id string) (*out.ContactGraph, error) {
	if id == "" {
		return nil, apperr.MissingField("id")
	}
	graph, err := s.reader.GetContact(ctx, id)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, apperr.NotFound("contact")
	}
	return graph, nil
}

func (s *Service) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, apperr.MissingField("domain")
	}
	d, err := s.reader.GetDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("domain")
	}
	return d, nil
}

func (s *Service) GetEmail(ctx context.Context, address string) (*domain.EmailAddress, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, apperr.MissingField("address")
	}
	e, err := s.reader.GetEmail(ctx, address)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperr.NotFound("email address")
	}
	return e, nil
}

// DeleteCompany blacklists the company's domains, then cascade-deletes
// the company with its domains, contacts and addresses. The blacklist
// write comes first so in-flight ingestion stops resurrecting the
// entities mid-delete. Returns the blacklisted domains.
func (s *Service) DeleteCompany(ctx context.Context, id string) ([]string, error) {
	graph, err := s.GetCompany(ctx, id)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(graph.Domains))
	for _, d := range graph.Domains {
		names = append(names, d.Domain)
	}
	if len(names) > 0 {
		if _, err := s.engine.AddDomains(ctx, names, domain.CategoryManual, "company-delete"); err != nil {
			return nil, err
		}
	}

	deleted, err := s.reader.DeleteCompany(ctx, id)
	if err != nil {
		return nil, err
	}

	// Domains attached between the read and the delete get covered too.
	if len(deleted) > len(names) {
		if _, err := s.engine.AddDomains(ctx, deleted, domain.CategoryManual, "company-delete"); err != nil {
			return nil, err
		}
	}

	logger.WithFields(map[string]interface{}{
		"company_id": id,
		"domains":    deleted,
	}).Info("company deleted and domains blacklisted")
	return deleted, nil
}

// =============================================================================
// Blacklist administration
// =============================================================================

func (s *Service) ListBlacklist(ctx context.Context, category string) ([]*domain.BlacklistedDomain, error) {
	entries, err := s.engine.List(ctx, domain.BlacklistCategory(category))
	if err != nil {
		return nil, s.mapBlacklistErr(err)
	}
	return entries, nil
}

func (s *Service) AddToBlacklist(ctx context.Context, dom, category string) error {
	if category == "" {
		category = string(domain.CategoryManual)
	}
	if err := s.engine.Add(ctx, dom, domain.BlacklistCategory(category), "api"); err != nil {
		return s.mapBlacklistErr(err)
	}
	return nil
}

func (s *Service) RemoveFromBlacklist(ctx context.Context, dom string) error {
	removed, err := s.engine.Remove(ctx, dom)
	if err != nil {
		return s.mapBlacklistErr(err)
	}
	if !removed {
		return apperr.NotFound("blacklist entry")
	}
	return nil
}

func (s *Service) mapBlacklistErr(err error) error {
	switch err {
	case blacklist.ErrInvalidDomain:
		return apperr.InvalidInput("domain", "must be a bare domain name")
	case blacklist.ErrInvalidCategory:
		return apperr.InvalidInput("category", "must be spam, personal, transactional or manual")
	}
	return err
}

// =============================================================================
// Sync status / manual runs
// =============================================================================

// AccountSyncStatus is one account's sync progress as reported by the
// status endpoint.
type AccountSyncStatus struct {
	*domain.SyncState
	CaughtUp bool `json:"caught_up"`
}

// SyncStatus reports every configured account, including ones that have
// never synced.
func (s *Service) SyncStatus(ctx context.Context) ([]*AccountSyncStatus, error) {
	states, err := s.states.All(ctx)
	if err != nil {
		return nil, err
	}

	byAccount := make(map[string]*domain.SyncState, len(states))
	for _, st := range states {
		byAccount[st.Account] = st
	}

	today := time.Now().UTC().Format("2006-01-02")
	result := make([]*AccountSyncStatus, 0, len(s.accounts)+len(states))
	seen := make(map[string]struct{})

	appendStatus := func(account string) {
		if _, dup := seen[account]; dup {
			return
		}
		seen[account] = struct{}{}
		st, ok := byAccount[account]
		if !ok {
			st = &domain.SyncState{Account: account}
		}
		result = append(result, &AccountSyncStatus{
			SyncState: st,
			CaughtUp:  st.CaughtUp(today),
		})
	}

	for account := range s.accounts {
		appendStatus(account)
	}
	// States for accounts no longer configured still show up; hiding them
	// would mask stale rows.
	for _, st := range states {
		appendStatus(st.Account)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Account < result[j].Account })
	return result, nil
}

// RequestSync enqueues a sync job for the account. full forces the
// rescan path.
func (s *Service) RequestSync(ctx context.Context, account string, full bool) error {
	if _, ok := s.accounts[account]; !ok {
		return apperr.NotFound("account")
	}
	if s.producer == nil {
		return apperr.Internal("sync queue not configured")
	}

	job := &out.SyncJob{Account: account, Reason: "api"}
	if full {
		job.Mode = domain.SyncModeFull
	}
	return s.producer.PublishSync(ctx, job)
}
