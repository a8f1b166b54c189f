package blacklist

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeBlacklistStore struct {
	mu      sync.Mutex
	domains map[string]*domain.BlacklistedDomain

	containsCalls int
	countCalls    int
	snapshotCalls int
}

func newFakeBlacklistStore(domains ...string) *fakeBlacklistStore {
	s := &fakeBlacklistStore{domains: make(map[string]*domain.BlacklistedDomain)}
	for _, d := range domains {
		s.domains[d] = &domain.BlacklistedDomain{Domain: d, Category: domain.CategoryManual}
	}
	return s
}

func (s *fakeBlacklistStore) Contains(ctx context.Context, dom string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containsCalls++
	_, ok := s.domains[dom]
	return ok, nil
}

func (s *fakeBlacklistStore) Snapshot(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeBlacklistStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	return int64(len(s.domains)), nil
}

func (s *fakeBlacklistStore) List(ctx context.Context, category domain.BlacklistCategory) ([]*domain.BlacklistedDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*domain.BlacklistedDomain
	for _, e := range s.domains {
		if category == "" || e.Category == category {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *fakeBlacklistStore) Add(ctx context.Context, entry *domain.BlacklistedDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[entry.Domain]; !ok {
		s.domains[entry.Domain] = entry
	}
	return nil
}

func (s *fakeBlacklistStore) AddMany(ctx context.Context, domains []string, category domain.BlacklistCategory, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int64
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, ok := s.domains[d]; !ok {
			s.domains[d] = &domain.BlacklistedDomain{Domain: d, Category: category, Source: source}
			added++
		}
	}
	return added, nil
}

func (s *fakeBlacklistStore) Remove(ctx context.Context, dom string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.domains[dom]
	delete(s.domains, dom)
	return ok, nil
}

type fakeBlacklistCache struct {
	mu          sync.Mutex
	snap        *out.BlacklistSnapshot
	loads       int
	stores      int
	invalidates int
}

func (c *fakeBlacklistCache) Load(ctx context.Context) (*out.BlacklistSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	return c.snap, nil
}

func (c *fakeBlacklistCache) Store(ctx context.Context, snap *out.BlacklistSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores++
	c.snap = snap
	return nil
}

func (c *fakeBlacklistCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidates++
	c.snap = nil
	return nil
}

// =============================================================================
// Pattern tests
// =============================================================================

func TestIsTransactional(t *testing.T) {
	engine := NewEngine(newFakeBlacklistStore(), nil, []string{"acme.com"})

	tests := []struct {
		address string
		want    bool
	}{
		// local-part patterns
		{"noreply@vendor.com", true},
		{"no-reply@vendor.com", true},
		{"no.reply@vendor.com", true},
		{"do-not-reply@vendor.com", true},
		{"donotreply@vendor.com", true},
		{"mailer-daemon@vendor.com", true},
		{"postmaster@vendor.com", true},
		{"bounce@vendor.com", true},
		{"bounces@vendor.com", true},
		{"autoreply@vendor.com", true},
		{"notification@vendor.com", true},
		{"notifications@vendor.com", true},
		{"notify@vendor.com", true},
		{"alert@vendor.com", true},
		{"alerts@vendor.com", true},
		{"news@vendor.com", true},
		{"newsletter@vendor.com", true},
		{"marketing@vendor.com", true},
		{"promo@vendor.com", true},
		{"promotions@vendor.com", true},
		{"campaign@vendor.com", true},
		{"support@vendor.com", true},
		{"support-emea@vendor.com", true},
		{"info@vendor.com", true},
		{"sales@vendor.com", true},
		{"hello@vendor.com", true},
		{"contact@vendor.com", true},
		{"team@vendor.com", true},
		{"feedback@vendor.com", true},
		{"billing@vendor.com", true},
		{"subscription@vendor.com", true},
		{"subscriptions@vendor.com", true},
		{"update@vendor.com", true},
		{"updates@vendor.com", true},
		{"service@vendor.com", true},
		{"help@vendor.com", true},
		{"admin@vendor.com", true},
		{"webmaster@vendor.com", true},
		{"NOREPLY@VENDOR.COM", true}, // case-insensitive

		// marketing subdomains
		{"deal@email.shop.com", true},
		{"x@e.retailer.com", true},
		{"x@t.brand.com", true},
		{"x@m.brand.com", true},
		{"offers@mail.promo.biz", true},
		{"x@news.site.com", true},
		{"x@notify.app.io", true},
		{"x@alert.app.io", true},
		{"x@alerts.app.io", true},
		{"x@promo.shop.com", true},
		{"x@offer.shop.com", true},
		{"x@offers.shop.com", true},
		{"x@campaign.co.com", true},
		{"x@action.org.com", true},
		{"x@message.app.com", true},
		{"x@messages.app.com", true},

		// .edu catch-all
		{"prof@cs.stanford.edu", true},

		// not transactional
		{"jane.doe@vendor.com", false},
		{"steamship@vendor.com", false},   // "team" only matches whole local part
		{"information1@vendor.com", false}, // "info" needs a separator before the suffix
		{"jane@example.com", false},

		// whitelist overrides patterns
		{"support@acme.com", false},
		{"noreply@acme.com", false},
	}

	for _, tt := range tests {
		if got := engine.IsTransactional(tt.address); got != tt.want {
			t.Errorf("IsTransactional(%q) = %v, want %v", tt.address, got, tt.want)
		}
	}
}

// =============================================================================
// Decision tests
// =============================================================================

func TestIsBlacklisted(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore("spam.io", "gmail.com")
	engine := NewEngine(store, nil, []string{"acme.com"})

	tests := []struct {
		address string
		want    bool
	}{
		{"noreply@mail.promo.biz", true}, // transactional
		{"friend@spam.io", true},         // domain blacklisted
		{"anyone@gmail.com", true},       // personal domain in set
		{"partner@bigco.com", false},
		{"jane@acme.com", false},
	}

	for _, tt := range tests {
		got, err := engine.IsBlacklisted(ctx, tt.address)
		if err != nil {
			t.Fatalf("IsBlacklisted(%q): %v", tt.address, err)
		}
		if got != tt.want {
			t.Errorf("IsBlacklisted(%q) = %v, want %v", tt.address, got, tt.want)
		}
	}
}

func TestIsDomainBlacklistedFallsBackToPointQuery(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore("spam.io")
	engine := NewEngine(store, nil, nil)

	// No EnsureCache yet: must hit the store directly.
	hit, err := engine.IsDomainBlacklisted(ctx, "spam.io")
	if err != nil || !hit {
		t.Fatalf("point query: got (%v, %v), want (true, nil)", hit, err)
	}
	if store.containsCalls != 1 {
		t.Fatalf("containsCalls = %d, want 1", store.containsCalls)
	}

	if err := engine.EnsureCache(ctx); err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}

	// Loaded: the store must not be probed again.
	hit, err = engine.IsDomainBlacklisted(ctx, "spam.io")
	if err != nil || !hit {
		t.Fatalf("cached query: got (%v, %v), want (true, nil)", hit, err)
	}
	if store.containsCalls != 1 {
		t.Fatalf("containsCalls after cache = %d, want 1", store.containsCalls)
	}
}

// =============================================================================
// Cache freshness tests
// =============================================================================

func TestEnsureCacheAdoptsFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore("spam.io", "junk.net")
	cache := &fakeBlacklistCache{}

	// Pre-populate a snapshot exactly matching the store.
	day := todayUTC()
	cache.snap = &out.BlacklistSnapshot{Day: day, Count: 2, Domains: []string{"spam.io", "junk.net"}}

	engine := NewEngine(store, cache, nil)
	if err := engine.EnsureCache(ctx); err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}

	if store.snapshotCalls != 0 {
		t.Errorf("store snapshot rebuilt despite fresh cache (calls=%d)", store.snapshotCalls)
	}
	if engine.CacheSize() != 2 {
		t.Errorf("CacheSize = %d, want 2", engine.CacheSize())
	}
}

func TestEnsureCacheRebuildsOnCountMismatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore("spam.io", "junk.net", "bad.org")
	cache := &fakeBlacklistCache{}

	// Snapshot from earlier today, but the store has grown since.
	cache.snap = &out.BlacklistSnapshot{Day: todayUTC(), Count: 2, Domains: []string{"spam.io", "junk.net"}}

	engine := NewEngine(store, cache, nil)
	if err := engine.EnsureCache(ctx); err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}

	if store.snapshotCalls != 1 {
		t.Errorf("snapshotCalls = %d, want 1 (rebuild)", store.snapshotCalls)
	}
	if engine.CacheSize() != 3 {
		t.Errorf("CacheSize = %d, want 3", engine.CacheSize())
	}
	if cache.stores != 1 {
		t.Errorf("cache stores = %d, want 1 (rewritten)", cache.stores)
	}
}

func TestEnsureCacheRebuildsOnStaleDay(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore("spam.io")
	cache := &fakeBlacklistCache{}
	cache.snap = &out.BlacklistSnapshot{Day: "2000-01-01", Count: 1, Domains: []string{"spam.io"}}

	engine := NewEngine(store, cache, nil)
	if err := engine.EnsureCache(ctx); err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}
	if store.snapshotCalls != 1 {
		t.Errorf("snapshotCalls = %d, want 1 (day rolled)", store.snapshotCalls)
	}
}

func TestEnsureCacheIsIdempotentWhenFresh(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore("spam.io")
	engine := NewEngine(store, nil, nil)

	for i := 0; i < 3; i++ {
		if err := engine.EnsureCache(ctx); err != nil {
			t.Fatalf("EnsureCache #%d: %v", i, err)
		}
	}
	if store.snapshotCalls != 1 {
		t.Errorf("snapshotCalls = %d, want 1", store.snapshotCalls)
	}
}

// =============================================================================
// Administration tests
// =============================================================================

func TestAddRemoveUpdateCacheAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore()
	cache := &fakeBlacklistCache{}
	engine := NewEngine(store, cache, nil)

	if err := engine.EnsureCache(ctx); err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}

	if err := engine.Add(ctx, "Spam.IO", domain.CategoryManual, "operator"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Lowercased into the live set; snapshot invalidated.
	hit, err := engine.IsDomainBlacklisted(ctx, "spam.io")
	if err != nil || !hit {
		t.Fatalf("after Add: got (%v, %v), want (true, nil)", hit, err)
	}
	if cache.invalidates != 1 {
		t.Errorf("invalidates = %d, want 1", cache.invalidates)
	}

	removed, err := engine.Remove(ctx, "spam.io")
	if err != nil || !removed {
		t.Fatalf("Remove = (%v, %v), want (true, nil)", removed, err)
	}
	hit, _ = engine.IsDomainBlacklisted(ctx, "spam.io")
	if hit {
		t.Error("domain still blacklisted after Remove")
	}

	removed, err = engine.Remove(ctx, "spam.io")
	if err != nil || removed {
		t.Errorf("second Remove = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestAddValidation(t *testing.T) {
	engine := NewEngine(newFakeBlacklistStore(), nil, nil)
	ctx := context.Background()

	if err := engine.Add(ctx, "nodot", domain.CategoryManual, ""); err != ErrInvalidDomain {
		t.Errorf("Add(nodot) err = %v, want ErrInvalidDomain", err)
	}
	if err := engine.Add(ctx, "user@spam.io", domain.CategoryManual, ""); err != ErrInvalidDomain {
		t.Errorf("Add(address) err = %v, want ErrInvalidDomain", err)
	}
	if err := engine.Add(ctx, "spam.io", domain.BlacklistCategory("bogus"), ""); err != ErrInvalidCategory {
		t.Errorf("Add(bogus category) err = %v, want ErrInvalidCategory", err)
	}
}

func TestSeedPersonalDomains(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlacklistStore()
	engine := NewEngine(store, nil, nil)

	added, err := engine.SeedPersonalDomains(ctx)
	if err != nil {
		t.Fatalf("SeedPersonalDomains: %v", err)
	}
	if added != int64(len(personalDomains)) {
		t.Errorf("added = %d, want %d", added, len(personalDomains))
	}

	// Second run is a no-op.
	added, err = engine.SeedPersonalDomains(ctx)
	if err != nil {
		t.Fatalf("SeedPersonalDomains (second): %v", err)
	}
	if added != 0 {
		t.Errorf("second seed added = %d, want 0", added)
	}

	entries, err := engine.List(ctx, domain.CategoryPersonal)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != len(personalDomains) {
		t.Errorf("List(personal) = %d entries, want %d", len(entries), len(personalDomains))
	}
}

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}
