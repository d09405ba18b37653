package redisclient

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/ncecere/usage_tracker/internal/config"
)

func TestNewAcceptsURLAndBareAddress(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, raw := range []string{"redis://" + mr.Addr(), mr.Addr()} {
		client := New(config.RedisConfig{URL: raw, PoolSize: 2})
		if err := Ping(context.Background(), client); err != nil {
			t.Fatalf("ping %q: %v", raw, err)
		}
		if got := client.Options().PoolSize; got != 2 {
			t.Fatalf("expected pool size 2, got %d", got)
		}
		_ = client.Close()
	}
}

func TestNewOverridesDB(t *testing.T) {
	mr := miniredis.RunT(t)

	client := New(config.RedisConfig{URL: "redis://" + mr.Addr() + "/1", DB: 3})
	defer client.Close()

	if got := client.Options().DB; got != 3 {
		t.Fatalf("expected db 3, got %d", got)
	}
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.Select(3)
	if !mr.Exists("k") {
		t.Fatalf("expected key in db 3")
	}
}

func TestPingReportsUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := New(config.RedisConfig{URL: addr})
	defer client.Close()

	if err := Ping(context.Background(), client); err == nil {
		t.Fatalf("expected ping error after server close")
	}
}
