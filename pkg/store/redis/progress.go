package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	progressChannelPrefix = "jobs:progress:"
	progressLastPrefix    = "jobs:progress:last:"
	progressLastTTL       = time.Hour
	subscriberBuffer      = 64
)

// ProgressBus publishes per-epoch job progress on Redis pub/sub and keeps
// the latest snapshot of each job.
type ProgressBus struct {
	client *redis.Client
}

// NewProgressBus creates a bus on client
func NewProgressBus(client *RedisClient) *ProgressBus {
	return &ProgressBus{client: client.GetClient()}
}

func progressChannel(jobID uuid.UUID) string {
	return progressChannelPrefix + jobID.String()
}

// Publish sends p to subscribers and stores it as the last snapshot.
// Errors are logged; progress delivery is best effort.
func (b *ProgressBus) Publish(ctx context.Context, p model.JobProgress) {
	data, err := json.Marshal(p)
	if err != nil {
		logger.WarnCtx(ctx, "failed to encode progress: %v", err)
		return
	}
	pipe := b.client.Pipeline()
	pipe.Publish(ctx, progressChannel(p.JobID), data)
	pipe.Set(ctx, progressLastPrefix+p.JobID.String(), data, progressLastTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.WarnCtx(ctx, "failed to publish progress: %v", err)
	}
}

// Last returns the latest snapshot of a job, or nil when none is stored
func (b *ProgressBus) Last(ctx context.Context, jobID uuid.UUID) (*model.JobProgress, error) {
	data, err := b.client.Get(ctx, progressLastPrefix+jobID.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	var p model.JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &p, nil
}

// Subscribe streams progress of one job until ctx is done or the returned
// stop function is called.
func (b *ProgressBus) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan model.JobProgress, func(), error) {
	sub := b.client.Subscribe(ctx, progressChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan model.JobProgress, subscriberBuffer)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p model.JobProgress
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					logger.WarnCtx(ctx, "dropping malformed progress message: %v", err)
					continue
				}
				select {
				case out <- p:
				default:
					// slow consumer; newer messages follow
				}
			}
		}
	}()
	return out, cancel, nil
}
