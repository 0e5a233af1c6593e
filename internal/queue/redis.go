package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"imageforge/internal/config"
	"imageforge/internal/models"
)

const (
	// Queue names
	buildQueue      = "build:queue"
	deadLetterQueue = "build:dlq"

	// Key prefixes
	buildLockPrefix = "build:lock:"

	// Default values
	defaultQueueTimeout = 30 * time.Second
	maxRetryCount       = 3
)

// QueueMessage represents a build job in the queue
type QueueMessage struct {
	BuildID       string    `json:"build_id"`
	RecipeID      string    `json:"recipe_id"`
	RequestID     string    `json:"request_id"`
	RetryCount    int       `json:"retry_count"`
	FirstEnqueued time.Time `json:"first_enqueued"`
	LastEnqueued  time.Time `json:"last_enqueued"`
}

// Redis represents a Redis queue client
type Redis struct {
	client *redis.Client
	config config.RedisConfig
}

// NewRedis creates a new Redis queue client
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// EnqueueBuild adds a build job to the queue
func (r *Redis) EnqueueBuild(ctx context.Context, job *models.BuildJob) error {
	msg := QueueMessage{
		BuildID:       job.BuildID,
		RecipeID:      job.RecipeID,
		RequestID:     job.RequestID,
		RetryCount:    0,
		FirstEnqueued: time.Now().UTC(),
		LastEnqueued:  time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	if err := r.client.LPush(ctx, buildQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue build: %w", err)
	}

	return nil
}

// DequeueBuild retrieves and removes the next build job from the queue.
// Returns nil when no job becomes available within the queue timeout.
func (r *Redis) DequeueBuild(ctx context.Context) (*QueueMessage, error) {
	result, err := r.client.BRPop(ctx, defaultQueueTimeout, buildQueue).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // No jobs available
		}
		return nil, fmt.Errorf("failed to dequeue build: %w", err)
	}

	// result[0] is the queue name, result[1] is the message
	var msg QueueMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue message: %w", err)
	}

	return &msg, nil
}

// nextRetry reports whether a message with the given retry count has budget
// left and, if so, the backoff applied before the next attempt
func nextRetry(retryCount int) (time.Duration, bool) {
	if retryCount >= maxRetryCount {
		return 0, false
	}
	return time.Duration(1<<uint(retryCount+1)) * time.Second, true
}

// RequeueBuild puts a failed build job back in the queue for retry, moving
// it to the dead letter queue once the retry budget is exhausted
func (r *Redis) RequeueBuild(ctx context.Context, msg *QueueMessage) error {
	backoff, ok := nextRetry(msg.RetryCount)
	if !ok {
		return r.moveToDeadLetterQueue(ctx, msg)
	}

	msg.RetryCount++
	msg.LastEnqueued = time.Now().UTC()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	// Exponential backoff recorded as a lock TTL
	if err := r.client.Set(ctx,
		buildLockPrefix+msg.BuildID,
		"locked",
		backoff).Err(); err != nil {
		return fmt.Errorf("failed to set retry backoff: %w", err)
	}

	if err := r.client.LPush(ctx, buildQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to requeue build: %w", err)
	}

	return nil
}

// moveToDeadLetterQueue moves an exhausted job to the dead letter queue
func (r *Redis) moveToDeadLetterQueue(ctx context.Context, msg *QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	if err := r.client.LPush(ctx, deadLetterQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to move message to DLQ: %w", err)
	}

	return nil
}

// GetDeadLetterMessages retrieves messages from the dead letter queue
// without removing them
func (r *Redis) GetDeadLetterMessages(ctx context.Context, limit int64) ([]*QueueMessage, error) {
	results, err := r.client.LRange(ctx, deadLetterQueue, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ messages: %w", err)
	}

	messages := make([]*QueueMessage, 0, len(results))
	for _, result := range results {
		var msg QueueMessage
		if err := json.Unmarshal([]byte(result), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal DLQ message: %w", err)
		}
		messages = append(messages, &msg)
	}

	return messages, nil
}

// RetryDeadLetterMessage moves a message from the DLQ back to the build queue
func (r *Redis) RetryDeadLetterMessage(ctx context.Context, buildID string) error {
	messages, err := r.GetDeadLetterMessages(ctx, -1)
	if err != nil {
		return err
	}

	var targetMsg *QueueMessage
	for _, msg := range messages {
		if msg.BuildID == buildID {
			targetMsg = msg
			break
		}
	}

	if targetMsg == nil {
		return fmt.Errorf("build %s not found in DLQ", buildID)
	}

	// DLQ entry is removed by value, so marshal before resetting
	data, err := json.Marshal(targetMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	targetMsg.RetryCount = 0
	targetMsg.LastEnqueued = time.Now().UTC()

	requeued, err := json.Marshal(targetMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.LRem(ctx, deadLetterQueue, 1, string(data))
	pipe.LPush(ctx, buildQueue, requeued)

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retry DLQ message: %w", err)
	}

	return nil
}

// GetQueueLength returns the number of pending build jobs
func (r *Redis) GetQueueLength(ctx context.Context) (int64, error) {
	length, err := r.client.LLen(ctx, buildQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// Ping checks the connection to Redis
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
