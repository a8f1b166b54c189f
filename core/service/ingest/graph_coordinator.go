package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"
	"mailgraph/core/service/blacklist"
	"mailgraph/pkg/logger"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrSyncInFlight   = errors.New("sync already running for account")
)

const (
	defaultPageSize  = 25
	defaultBudget    = 20 * time.Second
	defaultStartDate = "2000-01-01"
	fullSyncPageSize = 100
	dayFormat        = "2006-01-02"
	queryDayFormat   = "2006/01/02"
)

// CoordinatorConfig tunes one coordinator instance.
type CoordinatorConfig struct {
	// PageSize bounds one cold-batch listing call.
	PageSize int64

	// Budget is the soft wall-clock limit of one RunOnce invocation. The
	// coordinator checks it before each page, never mid-page.
	Budget time.Duration

	// StartDate is the first day of the cold walk, YYYY-MM-DD. Early
	// enough to capture imported mail.
	StartDate string
}

func (c *CoordinatorConfig) withDefaults() CoordinatorConfig {
	out := *c
	if out.PageSize <= 0 {
		out.PageSize = defaultPageSize
	}
	if out.Budget <= 0 {
		out.Budget = defaultBudget
	}
	if out.StartDate == "" {
		out.StartDate = defaultStartDate
	}
	return out
}

// Coordinator drives ingestion per account: a resumable cold walk over
// day windows until caught up, then cursor-based incremental pulls, with
// a full rescan as the fallback when the cursor expires. All progress
// lives in SyncState; an invocation can die anywhere and the next one
// resumes.
type Coordinator struct {
	providers map[string]out.MailProvider // keyed by account label
	states    out.SyncStateStore
	processed out.ProcessedStore
	engine    *blacklist.Engine
	processor *Processor
	cfg       CoordinatorConfig

	inFlight sync.Map // account -> struct{}
}

func NewCoordinator(
	providers map[string]out.MailProvider,
	states out.SyncStateStore,
	processed out.ProcessedStore,
	engine *blacklist.Engine,
	processor *Processor,
	cfg CoordinatorConfig,
) *Coordinator {
	return &Coordinator{
		providers: providers,
		states:    states,
		processed: processed,
		engine:    engine,
		processor: processor,
		cfg:       cfg.withDefaults(),
	}
}

// Accounts returns the configured account labels, sorted.
func (c *Coordinator) Accounts() []string {
	accounts := make([]string, 0, len(c.providers))
	for a := range c.providers {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts
}

// InFlight reports whether a sync invocation for the account is running.
func (c *Coordinator) InFlight(account string) bool {
	_, ok := c.inFlight.Load(account)
	return ok
}

// =============================================================================
// Invocation entry points
// =============================================================================

// RunOnce executes one budgeted sync invocation for the account. A second
// concurrent call for the same account returns ErrSyncInFlight; distinct
// accounts run independently.
func (c *Coordinator) RunOnce(ctx context.Context, account string) (*domain.SyncReport, error) {
	provider, ok := c.providers[account]
	if !ok {
		return nil, ErrUnknownAccount
	}
	if _, loaded := c.inFlight.LoadOrStore(account, struct{}{}); loaded {
		return nil, ErrSyncInFlight
	}
	defer c.inFlight.Delete(account)

	report := &domain.SyncReport{Account: account, StartedAt: time.Now().UTC()}
	deadline := report.StartedAt.Add(c.cfg.Budget)

	if err := c.engine.EnsureCache(ctx); err != nil {
		// Point queries still work; the run continues uncached.
		logger.WithAccount(account).WithError(err).Warn("blacklist cache refresh failed")
	}

	profile, err := provider.GetProfile(ctx)
	if err != nil {
		return nil, err
	}

	state, err := c.states.Get(ctx, account)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &domain.SyncState{Account: account}
	}

	today := time.Now().UTC().Format(dayFormat)
	if !state.CaughtUp(today) {
		err = c.batchSync(ctx, account, provider, profile, state, today, deadline, report)
	} else {
		report.Mode = domain.SyncModeIncremental
		err = c.incrementalSync(ctx, account, provider, profile, state, deadline, report)
	}

	report.FinishedAt = time.Now().UTC()
	if err != nil {
		return report, err
	}

	logger.WithAccount(account).WithFields(map[string]interface{}{
		"mode":       string(report.Mode),
		"pages":      report.Pages,
		"fetched":    report.Fetched,
		"processed":  report.Processed,
		"duplicates": report.Duplicates,
		"created":    report.Created,
		"errors":     len(report.Errors),
		"caught_up":  report.CaughtUp,
		"budget_hit": report.BudgetHit,
		"duration":   report.Duration().String(),
	}).Info("sync invocation finished")
	return report, nil
}

// RunFull forces the full-rescan path for the account, bypassing mode
// selection. Used by the operator after clearing processed rows.
func (c *Coordinator) RunFull(ctx context.Context, account string) (*domain.SyncReport, error) {
	provider, ok := c.providers[account]
	if !ok {
		return nil, ErrUnknownAccount
	}
	if _, loaded := c.inFlight.LoadOrStore(account, struct{}{}); loaded {
		return nil, ErrSyncInFlight
	}
	defer c.inFlight.Delete(account)

	report := &domain.SyncReport{Account: account, Mode: domain.SyncModeFull, StartedAt: time.Now().UTC()}
	deadline := report.StartedAt.Add(c.cfg.Budget)

	if err := c.engine.EnsureCache(ctx); err != nil {
		logger.WithAccount(account).WithError(err).Warn("blacklist cache refresh failed")
	}
	profile, err := provider.GetProfile(ctx)
	if err != nil {
		return nil, err
	}

	err = c.fullSync(ctx, account, provider, profile, deadline, report)
	report.FinishedAt = time.Now().UTC()
	return report, err
}

// RunAll runs every account in parallel and collects the reports.
// Per-account failures land in the report slice as nil entries with the
// error logged; one account's failure never blocks another's progress.
func (c *Coordinator) RunAll(ctx context.Context) []*domain.SyncReport {
	accounts := c.Accounts()
	reports := make([]*domain.SyncReport, len(accounts))

	var wg sync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, account string) {
			defer wg.Done()
			report, err := c.RunOnce(ctx, account)
			if err != nil && !errors.Is(err, ErrSyncInFlight) {
				logger.WithAccount(account).WithError(err).Error("sync invocation failed")
			}
			reports[i] = report
		}(i, account)
	}
	wg.Wait()
	return reports
}

// =============================================================================
// Cold batch path
// =============================================================================

// batchSync walks day windows page by page until the budget runs out or
// the walk passes today. Every page boundary persists SyncState, so a
// budget cut or crash resumes exactly where it stopped.
func (c *Coordinator) batchSync(
	ctx context.Context,
	account string,
	provider out.MailProvider,
	profile *out.MailProfile,
	state *domain.SyncState,
	today string,
	deadline time.Time,
	report *domain.SyncReport,
) error {
	report.Mode = domain.SyncModeBatch

	day := state.BatchDay
	if day == "" {
		day = c.cfg.StartDate
	}
	pageToken := state.PageToken
	pageNumber := state.PageNumber

	for {
		if day > today {
			report.CaughtUp = true
			return nil
		}
		if time.Now().After(deadline) {
			report.BudgetHit = true
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		windowStart, err := time.Parse(dayFormat, day)
		if err != nil {
			// Unparseable persisted day; restart the walk rather than wedge.
			logger.WithAccount(account).Warn("invalid batch day %q, resetting to start date", day)
			day = c.cfg.StartDate
			windowStart, _ = time.Parse(dayFormat, day)
		}
		windowEnd := windowStart.AddDate(0, 0, 1)

		page, err := provider.ListMessages(ctx, out.ListQuery{
			Query:      "after:" + windowStart.Format(queryDayFormat) + " before:" + windowEnd.Format(queryDayFormat),
			PageToken:  pageToken,
			MaxResults: c.cfg.PageSize,
		})
		if err != nil {
			return err
		}
		report.Pages++

		if len(page.IDs) == 0 {
			day = windowEnd.Format(dayFormat)
			pageToken = ""
			pageNumber = 0
			if err := c.persistBatchState(ctx, account, day, pageToken, pageNumber, profile.HistoryCursor); err != nil {
				return err
			}
			continue
		}

		if err := c.processIDs(ctx, account, provider, profile.EmailAddress, page.IDs, report); err != nil {
			return err
		}

		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			pageNumber++
		} else {
			day = windowEnd.Format(dayFormat)
			pageToken = ""
			pageNumber = 0
		}
		if err := c.persistBatchState(ctx, account, day, pageToken, pageNumber, profile.HistoryCursor); err != nil {
			return err
		}
	}
}

func (c *Coordinator) persistBatchState(ctx context.Context, account, day, pageToken string, pageNumber int, cursor string) error {
	now := time.Now().UTC()
	patch := domain.SyncStatePatch{
		BatchDay:   &day,
		PageToken:  &pageToken,
		PageNumber: &pageNumber,
		LastSyncAt: &now,
	}
	if cursor != "" {
		patch.ProviderCursor = &cursor
	}
	return c.states.Put(ctx, account, patch)
}

// =============================================================================
// Hot incremental path
// =============================================================================

// incrementalSync pulls history pages from the stored cursor. A missing
// cursor or a provider full_sync_required signal falls back to the full
// rescan.
func (c *Coordinator) incrementalSync(
	ctx context.Context,
	account string,
	provider out.MailProvider,
	profile *out.MailProfile,
	state *domain.SyncState,
	deadline time.Time,
	report *domain.SyncReport,
) error {
	if !state.HasCursor() {
		return c.fullSync(ctx, account, provider, profile, deadline, report)
	}

	cursor := state.ProviderCursor
	pageToken := ""

	for {
		if time.Now().After(deadline) {
			report.BudgetHit = true
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := provider.GetHistory(ctx, out.HistoryQuery{
			StartCursor: cursor,
			PageToken:   pageToken,
		})
		if err != nil {
			if out.IsSyncRequired(err) {
				logger.WithAccount(account).Warn("history cursor expired, falling back to full sync")
				return c.fullSync(ctx, account, provider, profile, deadline, report)
			}
			return err
		}
		report.Pages++

		if err := c.processIDs(ctx, account, provider, profile.EmailAddress, page.AddedIDs, report); err != nil {
			return err
		}

		if page.Cursor != "" {
			if err := c.persistCursor(ctx, account, page.Cursor); err != nil {
				return err
			}
		}

		if page.NextPageToken == "" {
			report.CaughtUp = true
			return nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Coordinator) persistCursor(ctx context.Context, account, cursor string) error {
	now := time.Now().UTC()
	return c.states.Put(ctx, account, domain.SyncStatePatch{
		ProviderCursor: &cursor,
		LastSyncAt:     &now,
	})
}

// =============================================================================
// Full rescan fallback
// =============================================================================

// fullSync walks the whole mailbox without day windows. ProcessedMessage
// dedup makes it cheap on everything already counted; the cursor is only
// advanced once the walk completes so an interrupted rescan repeats.
func (c *Coordinator) fullSync(
	ctx context.Context,
	account string,
	provider out.MailProvider,
	profile *out.MailProfile,
	deadline time.Time,
	report *domain.SyncReport,
) error {
	report.Mode = domain.SyncModeFull

	pageToken := ""
	for {
		if time.Now().After(deadline) {
			report.BudgetHit = true
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := provider.ListMessages(ctx, out.ListQuery{
			PageToken:  pageToken,
			MaxResults: fullSyncPageSize,
		})
		if err != nil {
			return err
		}
		report.Pages++

		if err := c.processIDs(ctx, account, provider, profile.EmailAddress, page.IDs, report); err != nil {
			return err
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	report.CaughtUp = true
	if profile.HistoryCursor != "" {
		return c.persistCursor(ctx, account, profile.HistoryCursor)
	}
	return nil
}

// =============================================================================
// Page processing
// =============================================================================

// processIDs fetches the page's messages and runs each unprocessed one
// through the processor in list order. The processed mark is written
// before the mutation batch: a crash in between skips the message on
// retry instead of double counting it. Per-message failures are recorded
// and the page continues; store failures on the dedup ledger abort.
func (c *Coordinator) processIDs(ctx context.Context, account string, provider out.MailProvider, selfAddress string, ids []string, report *domain.SyncReport) error {
	if len(ids) == 0 {
		return nil
	}

	messages, err := provider.BatchGetMessages(ctx, ids)
	if err != nil {
		return err
	}
	report.Fetched += len(messages)

	for _, msg := range messages {
		if msg == nil || msg.ID == "" {
			continue
		}

		done, err := c.processed.Has(ctx, msg.ID)
		if err != nil {
			return err
		}
		if done {
			report.Duplicates++
			continue
		}
		if err := c.processed.Mark(ctx, msg.ID, account); err != nil {
			return err
		}

		result, err := c.processor.Process(ctx, account, selfAddress, msg)
		if err != nil {
			report.Errors = append(report.Errors, domain.MessageError{
				MessageID: msg.ID,
				Error:     err.Error(),
			})
			logger.WithAccount(account).WithError(err).Warn("message %s failed, page continues", msg.ID)
			continue
		}

		report.Processed++
		if result.Addresses == 0 {
			report.Filtered++
		}
		report.Created.Add(result.Created)
	}
	return nil
}
