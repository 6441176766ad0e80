package jobevents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	processingSuffix    = ":processing"
	defaultPollTimeout  = time.Second
	defaultRetryBackoff = 2 * time.Second
)

// RedisClient is the list subset of go-redis used by the queue.
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BRPopLPush(ctx context.Context, source string, destination string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd
	LRange(ctx context.Context, key string, start int64, stop int64) *redis.StringSliceCmd
}

// RedisPublisher pushes events onto the queue head.
type RedisPublisher struct {
	client RedisClient
	queue  string
}

func NewRedisPublisher(client RedisClient, queue string) *RedisPublisher {
	return &RedisPublisher{client: client, queue: queue}
}

func (publisher *RedisPublisher) Publish(ctx context.Context, event AttemptEvent) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	if err := publisher.client.LPush(ctx, publisher.queue, payload).Err(); err != nil {
		return fmt.Errorf("publish attempt event: %w", err)
	}
	return nil
}

// RedisSource is a reliable queue consumer: each payload is atomically
// moved to a processing list and removed only after the ledger applied
// it, so a crash leaves it in the processing list for Recover.
type RedisSource struct {
	client       RedisClient
	queue        string
	processing   string
	dispatcher   *Dispatcher
	logger       *zap.Logger
	pollTimeout  time.Duration
	retryBackoff time.Duration

	mu      sync.Mutex
	running bool
}

func NewRedisSource(client RedisClient, queue string, dispatcher *Dispatcher, logger *zap.Logger) *RedisSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{
		client:       client,
		queue:        queue,
		processing:   queue + processingSuffix,
		dispatcher:   dispatcher,
		logger:       logger,
		pollTimeout:  defaultPollTimeout,
		retryBackoff: defaultRetryBackoff,
	}
}

// ProcessingKey names the list holding in-flight payloads.
func (source *RedisSource) ProcessingKey() string {
	return source.processing
}

// Recover returns every in-flight payload to the queue tail so it is
// consumed next. It runs before the consumer loop starts.
func (source *RedisSource) Recover(ctx context.Context) (int, error) {
	payloads, err := source.client.LRange(ctx, source.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing events: %w", err)
	}
	recovered := 0
	for _, payload := range payloads {
		if err := source.requeue(ctx, payload); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		source.logger.Warn("recovered in-flight attempt events", zap.Int("count", recovered))
	}
	return recovered, nil
}

// ProcessOnce waits up to the poll timeout for one payload. It reports
// false when the queue was empty.
func (source *RedisSource) ProcessOnce(ctx context.Context) (bool, error) {
	payload, err := source.client.BRPopLPush(ctx, source.queue, source.processing, source.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue attempt event: %w", err)
	}
	if dispatchErr := source.dispatcher.Dispatch(ctx, []byte(payload)); dispatchErr != nil {
		if requeueErr := source.requeue(ctx, payload); requeueErr != nil {
			source.logger.Error("requeue attempt event failed", zap.Error(requeueErr))
		}
		return true, dispatchErr
	}
	if err := source.client.LRem(ctx, source.processing, 1, payload).Err(); err != nil {
		return true, fmt.Errorf("ack attempt event: %w", err)
	}
	return true, nil
}

// Run recovers in-flight payloads and consumes until ctx is cancelled.
func (source *RedisSource) Run(ctx context.Context) error {
	source.mu.Lock()
	if source.running {
		source.mu.Unlock()
		return errors.New("redis attempt source already running")
	}
	source.running = true
	source.mu.Unlock()
	defer func() {
		source.mu.Lock()
		source.running = false
		source.mu.Unlock()
	}()

	if _, err := source.Recover(ctx); err != nil {
		return err
	}
	source.logger.Info("consuming attempt events", zap.String("queue", source.queue))
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := source.ProcessOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		source.logger.Error("attempt event failed", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(source.retryBackoff):
		}
	}
}

func (source *RedisSource) requeue(ctx context.Context, payload string) error {
	if err := source.client.LRem(ctx, source.processing, 1, payload).Err(); err != nil {
		return fmt.Errorf("release processing event: %w", err)
	}
	if err := source.client.RPush(ctx, source.queue, payload).Err(); err != nil {
		return fmt.Errorf("requeue attempt event: %w", err)
	}
	return nil
}
