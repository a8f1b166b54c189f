package out

import (
	"context"

	"mailgraph/core/domain"
)

// SyncJob is a queued ingestion request for one account.
type SyncJob struct {
	Account string          `json:"account"`
	Mode    domain.SyncMode `json:"mode,omitempty"` // empty lets the coordinator decide
	Reason  string          `json:"reason,omitempty"`
}

// JobProducer publishes ingestion jobs to the queue.
type JobProducer interface {
	PublishSync(ctx context.Context, job *SyncJob) error
}
