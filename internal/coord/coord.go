// Package coord holds optional Redis coordination: wake-up hints for idle workers and a
// leader lock for the scheduler. Neither is needed for correctness; the job store decides
// who runs what.
package coord

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"jobengine/internal/config"
)

const (
	wakePrefix = "jobengine:wake:"
	// wakeAll is the wake key of workers that service every queue.
	wakeAll = wakePrefix + "*"
	// maxPendingWakes caps how many unconsumed hints a key holds.
	maxPendingWakes = 32
)

// NewClient builds a Redis client from config. It returns nil when REDIS_ADDR is empty.
func NewClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Notifier pushes and waits for per-queue wake-up hints.
type Notifier struct {
	client *redis.Client
}

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

func wakeKey(queue string) string {
	return wakePrefix + queue
}

// Notify signals that queue has a newly eligible job.
func (n *Notifier) Notify(ctx context.Context, queue string) error {
	pipe := n.client.TxPipeline()
	for _, key := range []string{wakeKey(queue), wakeAll} {
		pipe.LPush(ctx, key, queue)
		pipe.LTrim(ctx, key, 0, maxPendingWakes-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a hint arrives for one of queues (all queues when empty) or timeout
// elapses. It reports whether a hint was consumed.
func (n *Notifier) Wait(ctx context.Context, queues []string, timeout time.Duration) (bool, error) {
	keys := []string{wakeAll}
	if len(queues) > 0 {
		keys = keys[:0]
		for _, q := range queues {
			keys = append(keys, wakeKey(q))
		}
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := n.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
