package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Requires Redis running on localhost:6379; skipped otherwise.
const testRedisAddr = "localhost:6379"

func cleanupKeys(ctx context.Context, client *redis.Client, pattern string) {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func newSeededRedisStore(t *testing.T) Store {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	prefix := fmt.Sprintf("roomchat-test-%d", time.Now().UnixNano())
	s := NewRedisStoreFromClient(client, prefix, 0)
	t.Cleanup(func() {
		cleanupKeys(ctx, client, prefix+":*")
		_ = client.Close()
	})

	if err := Seed(ctx, s, testRooms); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	return s
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, newSeededRedisStore)
}

func TestClassifyMarksTimeoutsRetryable(t *testing.T) {
	if !IsRetryable(classify("op", context.DeadlineExceeded)) {
		t.Error("deadline exceeded should be retryable")
	}
	if IsRetryable(classify("op", fmt.Errorf("WRONGTYPE"))) {
		t.Error("protocol errors should be fatal")
	}
}
