package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"
	"mailgraph/core/service/blacklist"
	"mailgraph/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeReader struct {
	companies map[string]*out.CompanyGraph
	contacts  map[string]*out.ContactGraph
	domains   map[string]*domain.Domain
	emails    map[string]*domain.EmailAddress

	deleted []string
	events  *[]string
}

func newFakeReader(events *[]string) *fakeReader {
	return &fakeReader{
		companies: make(map[string]*out.CompanyGraph),
		contacts:  make(map[string]*out.ContactGraph),
		domains:   make(map[string]*domain.Domain),
		emails:    make(map[string]*domain.EmailAddress),
		events:    events,
	}
}

func (f *fakeReader) ListCompanies(ctx context.Context, q out.CompanyQuery) ([]*domain.Company, int, error) {
	all := make([]*domain.Company, 0, len(f.companies))
	for _, g := range f.companies {
		all = append(all, g.Company)
	}
	return all, len(all), nil
}

func (f *fakeReader) GetCompany(ctx context.Context, id string) (*out.CompanyGraph, error) {
	return f.companies[id], nil
}

func (f *fakeReader) ListContacts(ctx context.Context, q out.ContactQuery) ([]*domain.Contact, int, error) {
	return nil, 0, nil
}

func (f *fakeReader) GetContact(ctx context.Context, id string) (*out.ContactGraph, error) {
	return f.contacts[id], nil
}

func (f *fakeReader) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	return f.domains[name], nil
}

func (f *fakeReader) GetEmail(ctx context.Context, address string) (*domain.EmailAddress, error) {
	return f.emails[address], nil
}

func (f *fakeReader) DeleteCompany(ctx context.Context, id string) ([]string, error) {
	g, ok := f.companies[id]
	if !ok {
		return nil, errors.New("no rows deleted")
	}
	delete(f.companies, id)
	f.deleted = append(f.deleted, id)
	if f.events != nil {
		*f.events = append(*f.events, "delete")
	}
	names := make([]string, 0, len(g.Domains))
	for _, d := range g.Domains {
		names = append(names, d.Domain)
	}
	return names, nil
}

type fakeBlacklistStore struct {
	mu      sync.Mutex
	domains map[string]domain.BlacklistCategory
	events  *[]string
}

func newFakeBlacklistStore(events *[]string) *fakeBlacklistStore {
	return &fakeBlacklistStore{domains: make(map[string]domain.BlacklistCategory), events: events}
}

func (f *fakeBlacklistStore) Contains(ctx context.Context, d string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.domains[d]
	return ok, nil
}

func (f *fakeBlacklistStore) Snapshot(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.domains))
	for d := range f.domains {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeBlacklistStore) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.domains)), nil
}

func (f *fakeBlacklistStore) List(ctx context.Context, category domain.BlacklistCategory) ([]*domain.BlacklistedDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []*domain.BlacklistedDomain
	for d, c := range f.domains {
		if category != "" && c != category {
			continue
		}
		entries = append(entries, &domain.BlacklistedDomain{Domain: d, Category: c})
	}
	return entries, nil
}

func (f *fakeBlacklistStore) Add(ctx context.Context, entry *domain.BlacklistedDomain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[entry.Domain] = entry.Category
	return nil
}

func (f *fakeBlacklistStore) AddMany(ctx context.Context, domains []string, category domain.BlacklistCategory, source string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		*f.events = append(*f.events, "blacklist")
	}
	var added int64
	for _, d := range domains {
		if _, ok := f.domains[d]; !ok {
			f.domains[d] = category
			added++
		}
	}
	return added, nil
}

func (f *fakeBlacklistStore) Remove(ctx context.Context, d string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.domains[d]
	delete(f.domains, d)
	return ok, nil
}

type fakeStates struct {
	states []*domain.SyncState
}

func (f *fakeStates) Get(ctx context.Context, account string) (*domain.SyncState, error) {
	for _, st := range f.states {
		if st.Account == account {
			return st, nil
		}
	}
	return nil, nil
}

func (f *fakeStates) All(ctx context.Context) ([]*domain.SyncState, error) {
	return f.states, nil
}

func (f *fakeStates) Put(ctx context.Context, account string, patch domain.SyncStatePatch) error {
	return nil
}

type fakeProducer struct {
	jobs []*out.SyncJob
	err  error
}

func (f *fakeProducer) PublishSync(ctx context.Context, job *out.SyncJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTestService(reader *fakeReader, blist *fakeBlacklistStore, states *fakeStates, producer *fakeProducer, accounts ...string) *Service {
	engine := blacklist.NewEngine(blist, nil, nil)
	return NewService(reader, states, engine, producer, accounts)
}

func seedCompany(reader *fakeReader, id, name string, domains ...string) {
	g := &out.CompanyGraph{Company: &domain.Company{ID: id, Name: &name}}
	for _, d := range domains {
		g.Domains = append(g.Domains, &domain.Domain{Domain: d, CompanyID: id})
	}
	reader.companies[id] = g
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var app *apperr.AppError
	if !errors.As(err, &app) {
		t.Fatalf("err = %v, want AppError %s", err, code)
	}
	if app.Code != code {
		t.Errorf("code = %s, want %s", app.Code, code)
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestGetCompanyNotFound(t *testing.T) {
	svc := newTestService(newFakeReader(nil), newFakeBlacklistStore(nil), &fakeStates{}, &fakeProducer{})

	_, err := svc.GetCompany(context.Background(), "missing")
	wantCode(t, err, apperr.CodeNotFound)

	_, err = svc.GetCompany(context.Background(), "")
	wantCode(t, err, apperr.CodeMissingField)
}

func TestDeleteCompanyBlacklistsBeforeDeleting(t *testing.T) {
	ctx := context.Background()
	var events []string
	reader := newFakeReader(&events)
	blist := newFakeBlacklistStore(&events)
	seedCompany(reader, "c1", "beta.io", "beta.io", "beta-mail.io")

	svc := newTestService(reader, blist, &fakeStates{}, &fakeProducer{})

	domains, err := svc.DeleteCompany(ctx, "c1")
	if err != nil {
		t.Fatalf("DeleteCompany: %v", err)
	}
	if len(domains) != 2 {
		t.Errorf("deleted domains = %v, want 2", domains)
	}
	if len(events) < 2 || events[0] != "blacklist" || events[1] != "delete" {
		t.Errorf("order = %v, want blacklist before delete", events)
	}

	for _, d := range []string{"beta.io", "beta-mail.io"} {
		if ok, _ := blist.Contains(ctx, d); !ok {
			t.Errorf("%s not blacklisted after delete", d)
		}
		if cat := blist.domains[d]; cat != domain.CategoryManual {
			t.Errorf("%s category = %s, want manual", d, cat)
		}
	}

	if _, err := svc.GetCompany(ctx, "c1"); err == nil {
		t.Error("company still readable after delete")
	}
}

func TestDeleteCompanyMissing(t *testing.T) {
	svc := newTestService(newFakeReader(nil), newFakeBlacklistStore(nil), &fakeStates{}, &fakeProducer{})
	_, err := svc.DeleteCompany(context.Background(), "ghost")
	wantCode(t, err, apperr.CodeNotFound)
}

func TestBlacklistAdminValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newFakeReader(nil), newFakeBlacklistStore(nil), &fakeStates{}, &fakeProducer{})

	if err := svc.AddToBlacklist(ctx, "not a domain", "manual"); err == nil {
		t.Error("invalid domain accepted")
	} else {
		wantCode(t, err, apperr.CodeInvalidInput)
	}

	if err := svc.AddToBlacklist(ctx, "spam.io", "bogus"); err == nil {
		t.Error("invalid category accepted")
	} else {
		wantCode(t, err, apperr.CodeInvalidInput)
	}

	// Default category is manual.
	if err := svc.AddToBlacklist(ctx, "spam.io", ""); err != nil {
		t.Fatalf("AddToBlacklist: %v", err)
	}
	entries, err := svc.ListBlacklist(ctx, "manual")
	if err != nil {
		t.Fatalf("ListBlacklist: %v", err)
	}
	if len(entries) != 1 || entries[0].Domain != "spam.io" {
		t.Errorf("entries = %+v, want spam.io", entries)
	}

	if _, err := svc.ListBlacklist(ctx, "nope"); err == nil {
		t.Error("invalid list category accepted")
	}

	if err := svc.RemoveFromBlacklist(ctx, "spam.io"); err != nil {
		t.Fatalf("RemoveFromBlacklist: %v", err)
	}
	wantCode(t, svc.RemoveFromBlacklist(ctx, "spam.io"), apperr.CodeNotFound)
}

func TestSyncStatusCoversConfiguredAndStoredAccounts(t *testing.T) {
	now := time.Now().UTC()
	states := &fakeStates{states: []*domain.SyncState{
		{Account: "work", BatchDay: "9999-12-31", ProviderCursor: "c1", LastSyncAt: &now},
		{Account: "retired", BatchDay: "2024-01-05"},
	}}
	svc := newTestService(newFakeReader(nil), newFakeBlacklistStore(nil), states, &fakeProducer{}, "work", "personal")

	statuses, err := svc.SyncStatus(context.Background())
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d, want 3 (work, personal, retired)", len(statuses))
	}

	byAccount := make(map[string]*AccountSyncStatus)
	for _, st := range statuses {
		byAccount[st.Account] = st
	}
	if !byAccount["work"].CaughtUp {
		t.Error("work should be caught up")
	}
	if byAccount["personal"].CaughtUp {
		t.Error("personal has never synced, cannot be caught up")
	}
	if byAccount["retired"].CaughtUp {
		t.Error("retired is mid-walk, not caught up")
	}

	// Sorted by account.
	if statuses[0].Account != "personal" || statuses[1].Account != "retired" || statuses[2].Account != "work" {
		t.Errorf("order = [%s %s %s], want alphabetical", statuses[0].Account, statuses[1].Account, statuses[2].Account)
	}
}

func TestRequestSync(t *testing.T) {
	ctx := context.Background()
	producer := &fakeProducer{}
	svc := newTestService(newFakeReader(nil), newFakeBlacklistStore(nil), &fakeStates{}, producer, "work")

	if err := svc.RequestSync(ctx, "stranger", false); err == nil {
		t.Error("unknown account accepted")
	} else {
		wantCode(t, err, apperr.CodeNotFound)
	}

	if err := svc.RequestSync(ctx, "work", false); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	if err := svc.RequestSync(ctx, "work", true); err != nil {
		t.Fatalf("RequestSync full: %v", err)
	}

	if len(producer.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(producer.jobs))
	}
	if producer.jobs[0].Mode != "" || producer.jobs[1].Mode != domain.SyncModeFull {
		t.Errorf("modes = %q/%q, want empty then full", producer.jobs[0].Mode, producer.jobs[1].Mode)
	}
}

func TestGetDomainAndEmailNormalizeCase(t *testing.T) {
	ctx := context.Background()
	reader := newFakeReader(nil)
	reader.domains["beta.io"] = &domain.Domain{Domain: "beta.io", CompanyID: "c1"}
	reader.emails["jane@beta.io"] = &domain.EmailAddress{Address: "jane@beta.io", ContactID: "p1"}

	svc := newTestService(reader, newFakeBlacklistStore(nil), &fakeStates{}, &fakeProducer{})

	d, err := svc.GetDomain(ctx, "  BETA.IO ")
	if err != nil || d.Domain != "beta.io" {
		t.Errorf("GetDomain = %+v, %v", d, err)
	}
	e, err := svc.GetEmail(ctx, "Jane@Beta.IO")
	if err != nil || e.Address != "jane@beta.io" {
		t.Errorf("GetEmail = %+v, %v", e, err)
	}

	_, err = svc.GetDomain(ctx, "ghost.io")
	wantCode(t, err, apperr.CodeNotFound)
}
