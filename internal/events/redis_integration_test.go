package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TestRedisPublisherRoundTrip exercises the publisher against a live Redis
// instance. Set RTSPBRIDGE_TEST_REDIS_ADDR to enable it.
func TestRedisPublisherRoundTrip(t *testing.T) {
	addr := os.Getenv("RTSPBRIDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RTSPBRIDGE_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := "rtspbridge:events:test"
	pub, err := NewRedisPublisher(ctx, RedisConfig{Addr: addr, Stream: stream, MaxLen: 100})
	if err != nil {
		t.Fatalf("create publisher: %v", err)
	}
	t.Cleanup(func() {
		_ = pub.Close()
	})

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		client.Del(context.Background(), stream)
		_ = client.Close()
	})
	client.Del(ctx, stream)

	sent := Event{Type: TypeWorkerStarted, Stream: "cam1", At: time.Now().UTC().Truncate(time.Millisecond)}
	if err := pub.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	payload, ok := entries[0].Values["payload"].(string)
	if !ok {
		t.Fatalf("missing payload field in %v", entries[0].Values)
	}
	var got Event
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Type != sent.Type || got.Stream != sent.Stream {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
