package worker

import (
	"time"

	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType = string

const (
	// JobSyncAccount runs one budgeted sync invocation. The coordinator
	// decides between the cold batch walk and the incremental pull.
	JobSyncAccount JobType = "sync.account"

	// JobSyncFull forces a full rescan, bypassing mode selection.
	JobSyncFull JobType = "sync.full"

	// JobBlacklistSeed re-seeds the personal-domain blacklist.
	JobBlacklistSeed JobType = "blacklist.seed"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// ChunkKey routes messages for the same account to the same pool worker,
// which serializes their execution. Typed jobs fall back to the job type.
func (m *Message) ChunkKey() string {
	if account, ok := m.Payload["account"].(string); ok && account != "" {
		return account
	}
	return m.Type
}

// SyncPayload is carried by sync.account and sync.full jobs.
type SyncPayload struct {
	Account string `json:"account"`
	Reason  string `json:"reason,omitempty"`
}

// BlacklistSeedPayload is carried by blacklist.seed jobs.
type BlacklistSeedPayload struct {
	Reason string `json:"reason,omitempty"`
}
