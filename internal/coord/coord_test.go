package coord

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNotifyWakesQueueAndAllListeners(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	n := NewNotifier(client)

	if err := n.Notify(ctx, "emails"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	woke, err := n.Wait(ctx, []string{"emails"}, time.Second)
	if err != nil || !woke {
		t.Fatalf("queue listener: woke=%v err=%v", woke, err)
	}
	woke, err = n.Wait(ctx, nil, time.Second)
	if err != nil || !woke {
		t.Fatalf("all-queues listener: woke=%v err=%v", woke, err)
	}
}

func TestNotifyCapsPendingHints(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	n := NewNotifier(client)
	for i := 0; i < maxPendingWakes*2; i++ {
		if err := n.Notify(ctx, "q"); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	list, err := mr.List(wakeKey("q"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != maxPendingWakes {
		t.Fatalf("pending hints = %d, want %d", len(list), maxPendingWakes)
	}
}

func TestLockAcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	a := NewLock(client, "jobengine:scheduler", "a", time.Minute)
	b := NewLock(client, "jobengine:scheduler", "b", time.Minute)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("b must not acquire a held lock: ok=%v err=%v", ok, err)
	}
	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a renew: ok=%v err=%v", ok, err)
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("b release: %v", err)
	}
	if !mr.Exists("jobengine:scheduler") {
		t.Fatalf("release by non-owner must keep the lock")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("a release: %v", err)
	}
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("b acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	a := NewLock(client, "lock", "a", time.Second)
	b := NewLock(client, "lock", "b", time.Second)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatalf("a should acquire")
	}
	mr.FastForward(2 * time.Second)
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("b should take an expired lock: ok=%v err=%v", ok, err)
	}
}
