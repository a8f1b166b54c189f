// Package messaging provides the Redis Streams job queue.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"mailgraph/core/port/out"

	"github.com/redis/go-redis/v9"
)

// StreamSync carries ingestion jobs. DLQ entries land on "dlq:" + StreamSync.
const StreamSync = "graph:sync"

// RedisProducer implements out.JobProducer using Redis Streams.
type RedisProducer struct {
	client *redis.Client
}

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// PublishSync publishes an ingestion job for one account.
func (p *RedisProducer) PublishSync(ctx context.Context, job *out.SyncJob) error {
	return p.publish(ctx, StreamSync, job)
}

// publish appends the job to a stream as a single JSON field.
func (p *RedisProducer) publish(ctx context.Context, stream string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}

	return nil
}

// Ensure RedisProducer implements out.JobProducer
var _ out.JobProducer = (*RedisProducer)(nil)
