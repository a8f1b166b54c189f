package worker

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"mailgraph/core/domain"
	"mailgraph/core/service/ingest"
	"mailgraph/pkg/logger"
)

// SyncRunner executes sync invocations. Satisfied by ingest.Coordinator.
type SyncRunner interface {
	RunOnce(ctx context.Context, account string) (*domain.SyncReport, error)
	RunFull(ctx context.Context, account string) (*domain.SyncReport, error)
}

// BlacklistSeeder re-seeds the builtin blacklist. Satisfied by
// blacklist.Engine.
type BlacklistSeeder interface {
	SeedPersonalDomains(ctx context.Context) (int64, error)
}

// Handler routes queue messages to the ingestion services.
type Handler struct {
	runner SyncRunner
	seeder BlacklistSeeder
}

func NewHandler(runner SyncRunner, seeder BlacklistSeeder) *Handler {
	return &Handler{
		runner: runner,
		seeder: seeder,
	}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobSyncAccount:
		return h.processSync(ctx, msg, false)
	case JobSyncFull:
		return h.processSync(ctx, msg, true)
	case JobBlacklistSeed:
		return h.processBlacklistSeed(ctx)
	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}

// processSync runs one sync invocation. In-flight and unknown-account
// outcomes are dropped rather than retried: the scheduler republishes on
// its own cadence, and retrying an unknown account can never succeed.
func (h *Handler) processSync(ctx context.Context, msg *Message, full bool) error {
	payload, err := ParsePayload[SyncPayload](msg)
	if err != nil || payload.Account == "" {
		logger.WithError(err).Error("invalid sync payload, dropping job %s", msg.ID)
		return nil
	}

	if full {
		_, err = h.runner.RunFull(ctx, payload.Account)
	} else {
		_, err = h.runner.RunOnce(ctx, payload.Account)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ingest.ErrSyncInFlight):
		logger.WithAccount(payload.Account).Debug("sync already in flight, dropping job")
		return nil
	case errors.Is(err, ingest.ErrUnknownAccount):
		logger.WithAccount(payload.Account).Warn("sync job for unconfigured account, dropping")
		return nil
	default:
		return err
	}
}

func (h *Handler) processBlacklistSeed(ctx context.Context) error {
	added, err := h.seeder.SeedPersonalDomains(ctx)
	if err != nil {
		return err
	}
	logger.Info("blacklist seed finished, %d domains added", added)
	return nil
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
