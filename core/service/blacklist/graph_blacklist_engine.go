// Package blacklist decides which mail domains stay out of the graph.
// The decision combines static transactional patterns, a configured
// whitelist and a persisted domain set with a process-local cache.
package blacklist

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"
	"mailgraph/core/service/parse"
	"mailgraph/pkg/logger"
)

var (
	ErrInvalidDomain   = errors.New("invalid domain")
	ErrInvalidCategory = errors.New("invalid blacklist category")
)

// =============================================================================
// Static pattern tables
// =============================================================================

// Local-part patterns for system and broadcast senders. Each matches the
// whole local part, optionally followed by a separator and a suffix
// ("noreply", "no-reply+tag", "support.emea").
var localPartPatterns = compileLocalPatterns(
	`no[._-]?reply`,
	`do[._-]?not[._-]?reply`,
	`mailer[._-]?daemon`,
	`postmaster`,
	`bounces?`,
	`auto[._-]?reply`,
	`automated`,
	`notifications?`,
	`notify`,
	`alerts?`,
	`news(letter)?`,
	`marketing`,
	`promo(tion)?s?`,
	`campaigns?`,
	`support`,
	`info`,
	`sales`,
	`hello`,
	`contact`,
	`team`,
	`feedback`,
	`billing`,
	`subscriptions?`,
	`updates?`,
	`service`,
	`help`,
	`admin`,
	`webmaster`,
)

// Full-address patterns for marketing subdomains plus the .edu catch-all.
var addressPatterns = compileAddressPatterns(
	`@email\.`,
	`@e\.`,
	`@t\.`,
	`@m\.`,
	`@mail\.`,
	`@news\.`,
	`@notify\.`,
	`@alerts?\.`,
	`@promo\.`,
	`@offers?\.`,
	`@campaign\.`,
	`@action\.`,
	`@messages?\.`,
	`\.edu$`,
)

func compileLocalPatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)^(?:` + p + `)(?:[._+-].*)?$`)
	}
	return out
}

func compileAddressPatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// personalDomains is the free-mail seed set. These are never companies.
var personalDomains = []string{
	"gmail.com", "googlemail.com",
	"yahoo.com", "yahoo.co.uk", "yahoo.co.jp", "yahoo.fr",
	"hotmail.com", "hotmail.co.uk", "hotmail.fr",
	"outlook.com", "outlook.jp",
	"live.com", "live.co.uk",
	"aol.com",
	"icloud.com", "me.com", "mac.com",
	"msn.com",
	"protonmail.com", "proton.me",
	"zoho.com",
	"gmx.com", "gmx.de", "gmx.net",
	"yandex.com", "yandex.ru",
	"mail.ru",
	"qq.com", "163.com", "126.com",
	"naver.com", "daum.net", "hanmail.net",
	"comcast.net", "verizon.net", "att.net", "cox.net", "sbcglobal.net",
}

// =============================================================================
// Engine
// =============================================================================

// Engine answers exclude/include for addresses. One instance is shared by
// all account runs in a process; the domain set cache is guarded for
// concurrent readers.
type Engine struct {
	store out.BlacklistStore
	cache out.BlacklistCache // optional snapshot store, may be nil

	whitelist map[string]struct{}

	mu          sync.RWMutex
	domains     map[string]struct{} // nil until first EnsureCache
	loadedDay   string
	loadedCount int64
}

// NewEngine builds the engine. Whitelisted domains bypass the pattern
// check unconditionally; pass the operator's own account domains here.
func NewEngine(store out.BlacklistStore, cache out.BlacklistCache, whitelist []string) *Engine {
	wl := make(map[string]struct{}, len(whitelist))
	for _, d := range whitelist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			wl[d] = struct{}{}
		}
	}
	return &Engine{
		store:     store,
		cache:     cache,
		whitelist: wl,
	}
}

// IsTransactional reports whether the address looks like a system or
// broadcast sender. Pure; no store access.
func (e *Engine) IsTransactional(address string) bool {
	addr := strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return false
	}

	if _, ok := e.whitelist[addr[at+1:]]; ok {
		return false
	}

	local := addr[:at]
	for _, re := range localPartPatterns {
		if re.MatchString(local) {
			return true
		}
	}
	for _, re := range addressPatterns {
		if re.MatchString(addr) {
			return true
		}
	}
	return false
}

// IsBlacklisted reports whether the address must be excluded: it is
// transactional, or its domain is in the persisted set. Any hit excludes
// regardless of category.
func (e *Engine) IsBlacklisted(ctx context.Context, address string) (bool, error) {
	if e.IsTransactional(address) {
		return true, nil
	}
	dom := parse.DomainOf(address)
	if dom == "" {
		return false, nil
	}
	return e.IsDomainBlacklisted(ctx, dom)
}

// IsDomainBlacklisted consults the in-memory set when loaded, otherwise
// falls back to a point query against the store.
func (e *Engine) IsDomainBlacklisted(ctx context.Context, dom string) (bool, error) {
	dom = strings.ToLower(dom)

	e.mu.RLock()
	set := e.domains
	e.mu.RUnlock()

	if set != nil {
		_, hit := set[dom]
		return hit, nil
	}
	return e.store.Contains(ctx, dom)
}

// =============================================================================
// Cache lifecycle
// =============================================================================

// EnsureCache makes the in-memory set current: fresh means loaded today
// with a count matching the store. A stale set is re-adopted from the
// snapshot store when that is fresh, otherwise rebuilt from the database
// and the snapshot rewritten. Called at the start of every ingest run;
// a no-op when already fresh.
func (e *Engine) EnsureCache(ctx context.Context) error {
	count, err := e.store.Count(ctx)
	if err != nil {
		return err
	}
	today := time.Now().UTC().Format("2006-01-02")

	e.mu.RLock()
	fresh := e.domains != nil && e.loadedDay == today && e.loadedCount == count
	e.mu.RUnlock()
	if fresh {
		return nil
	}

	if e.cache != nil {
		snap, err := e.cache.Load(ctx)
		if err != nil {
			logger.WithError(err).Warn("blacklist snapshot load failed, rebuilding from store")
		} else if snap != nil && snap.Day == today && snap.Count == count {
			e.adopt(snap.Domains, today, count)
			return nil
		}
	}

	domains, err := e.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	e.adopt(domains, today, int64(len(domains)))

	if e.cache != nil {
		snap := &out.BlacklistSnapshot{Day: today, Count: int64(len(domains)), Domains: domains}
		if err := e.cache.Store(ctx, snap); err != nil {
			logger.WithError(err).Warn("blacklist snapshot store failed")
		}
	}
	return nil
}

func (e *Engine) adopt(domains []string, day string, count int64) {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = struct{}{}
	}

	e.mu.Lock()
	e.domains = set
	e.loadedDay = day
	e.loadedCount = count
	e.mu.Unlock()
}

// CacheSize returns the number of cached domains, -1 when not loaded.
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.domains == nil {
		return -1
	}
	return len(e.domains)
}

// =============================================================================
// Administration
// =============================================================================

// Add puts a domain on the blacklist.
func (e *Engine) Add(ctx context.Context, dom string, category domain.BlacklistCategory, source string) error {
	dom = strings.ToLower(strings.TrimSpace(dom))
	if !validDomain(dom) {
		return ErrInvalidDomain
	}
	if !category.Valid() {
		return ErrInvalidCategory
	}

	entry := &domain.BlacklistedDomain{Domain: dom, Category: category, Source: source}
	if err := e.store.Add(ctx, entry); err != nil {
		return err
	}

	e.mu.Lock()
	if e.domains != nil {
		e.domains[dom] = struct{}{}
		e.loadedCount++
	}
	e.mu.Unlock()

	e.invalidateSnapshot(ctx)
	return nil
}

// AddDomains blacklists a set of domains in one statement, returning how
// many were new. Used by the company-delete cascade and the seed.
func (e *Engine) AddDomains(ctx context.Context, domains []string, category domain.BlacklistCategory, source string) (int64, error) {
	if !category.Valid() {
		return 0, ErrInvalidCategory
	}

	added, err := e.store.AddMany(ctx, domains, category, source)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.domains != nil {
		for _, d := range domains {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "" {
				continue
			}
			if _, ok := e.domains[d]; !ok {
				e.domains[d] = struct{}{}
			}
		}
		e.loadedCount = int64(len(e.domains))
	}
	e.mu.Unlock()

	if added > 0 {
		e.invalidateSnapshot(ctx)
	}
	return added, nil
}

// Remove takes a domain off the blacklist, reporting whether it was
// present.
func (e *Engine) Remove(ctx context.Context, dom string) (bool, error) {
	dom = strings.ToLower(strings.TrimSpace(dom))
	removed, err := e.store.Remove(ctx, dom)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	e.mu.Lock()
	if e.domains != nil {
		delete(e.domains, dom)
		e.loadedCount = int64(len(e.domains))
	}
	e.mu.Unlock()

	e.invalidateSnapshot(ctx)
	return true, nil
}

// List returns blacklist entries, optionally filtered by category.
func (e *Engine) List(ctx context.Context, category domain.BlacklistCategory) ([]*domain.BlacklistedDomain, error) {
	if category != "" && !category.Valid() {
		return nil, ErrInvalidCategory
	}
	return e.store.List(ctx, category)
}

// Count returns the persisted set size.
func (e *Engine) Count(ctx context.Context) (int64, error) {
	return e.store.Count(ctx)
}

// SeedPersonalDomains inserts the static free-mail list as category
// personal. Idempotent; returns how many were new.
func (e *Engine) SeedPersonalDomains(ctx context.Context) (int64, error) {
	return e.AddDomains(ctx, personalDomains, domain.CategoryPersonal, "seed")
}

func (e *Engine) invalidateSnapshot(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx); err != nil {
		logger.WithError(err).Warn("blacklist snapshot invalidate failed")
	}
}

func validDomain(dom string) bool {
	return dom != "" && strings.Contains(dom, ".") &&
		!strings.Contains(dom, "@") && !strings.ContainsAny(dom, " \t")
}
