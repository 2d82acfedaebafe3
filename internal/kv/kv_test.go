package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromRedis(rdb, "aegis", time.Second)
}

func TestNewDisabled(t *testing.T) {
	c := New(Config{})
	if c != nil {
		t.Fatal("empty address should return nil client")
	}
	if c.Enabled() {
		t.Error("nil client should report disabled")
	}
}

func TestNilClientMethods(t *testing.T) {
	var c *Client
	ctx := context.Background()

	if _, err := c.RunScript(ctx, redis.NewScript("return 1"), nil); err != ErrDisabled {
		t.Errorf("RunScript on nil = %v, want ErrDisabled", err)
	}
	if err := c.Ping(ctx); err != ErrDisabled {
		t.Errorf("Ping on nil = %v, want ErrDisabled", err)
	}
	if err := c.Del(ctx, "k"); err != ErrDisabled {
		t.Errorf("Del on nil = %v, want ErrDisabled", err)
	}
	if c.Healthy(ctx) {
		t.Error("nil client should not be healthy")
	}
	if c.Redis() != nil {
		t.Error("Redis() on nil should return nil")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on nil = %v, want nil", err)
	}
	if got := c.Stats(); got.TotalConns != 0 {
		t.Errorf("Stats on nil = %+v, want zero", got)
	}
}

func TestKey(t *testing.T) {
	c := testClient(t)
	if got := c.Key("tb", "user:1"); got != "aegis:tb:user:1" {
		t.Errorf("Key = %q, want aegis:tb:user:1", got)
	}

	var nilClient *Client
	if got := nilClient.Key("a", "b"); got != "a:b" {
		t.Errorf("nil Key = %q, want a:b", got)
	}
}

func TestRunScript(t *testing.T) {
	c := testClient(t)
	script := redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
return {1, tonumber(ARGV[1])}
`)

	res, err := c.RunScript(context.Background(), script, []string{"k1"}, 42)
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if len(res) != 2 || res[0] != 1 || res[1] != 42 {
		t.Errorf("result = %v, want [1 42]", res)
	}

	val, err := c.Redis().Get(context.Background(), "k1").Result()
	if err != nil || val != "42" {
		t.Errorf("stored value = %q (%v), want 42", val, err)
	}
}

func TestRunScriptUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond})
	defer rdb.Close()
	c := NewFromRedis(rdb, "", 50*time.Millisecond)

	_, err := c.RunScript(context.Background(), redis.NewScript("return 1"), nil)
	if err == nil {
		t.Fatal("expected error against unreachable store")
	}
}

func TestHealthyAndPing(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !c.Healthy(ctx) {
		t.Error("expected healthy against live store")
	}
}

func TestDel(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	c.Redis().Set(ctx, "gone", "1", 0)
	if err := c.Del(ctx, "gone"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if n, _ := c.Redis().Exists(ctx, "gone").Result(); n != 0 {
		t.Error("key should be deleted")
	}
}
