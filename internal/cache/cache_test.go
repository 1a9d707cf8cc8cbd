package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache(t *testing.T) {
	mc := NewMemoryCache(100)
	defer mc.Close()

	ctx := context.Background()

	t.Run("basic operations", func(t *testing.T) {
		if err := mc.Set(ctx, "key1", "value1", time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		var got string
		if err := mc.Get(ctx, "key1", &got); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != "value1" {
			t.Errorf("Expected 'value1', got %q", got)
		}

		exists, err := mc.Exists(ctx, "key1")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if !exists {
			t.Error("key1 should exist")
		}

		if err := mc.Delete(ctx, "key1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if err := mc.Get(ctx, "key1", &got); err == nil {
			t.Error("Get should fail after delete")
		}
	})

	t.Run("struct values", func(t *testing.T) {
		type payload struct {
			Symbol string    `json:"symbol"`
			Values []float64 `json:"values"`
		}

		in := payload{Symbol: "600519", Values: []float64{1.5, 2.5}}
		if err := mc.Set(ctx, "struct", in, time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		var out payload
		if err := mc.Get(ctx, "struct", &out); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if out.Symbol != in.Symbol || len(out.Values) != 2 {
			t.Errorf("Round trip mismatch: %+v", out)
		}
	})

	t.Run("expiration", func(t *testing.T) {
		if err := mc.Set(ctx, "short", "v", 10*time.Millisecond); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		time.Sleep(20 * time.Millisecond)

		var got string
		if err := mc.Get(ctx, "short", &got); err == nil {
			t.Error("Get should fail for expired key")
		}

		exists, _ := mc.Exists(ctx, "short")
		if exists {
			t.Error("Expired key should not exist")
		}
	})

	t.Run("delete prefix", func(t *testing.T) {
		mc.Set(ctx, "factor:600519:momentum", 1.0, time.Minute)
		mc.Set(ctx, "factor:600519:rsi", 2.0, time.Minute)
		mc.Set(ctx, "factor:000001:momentum", 3.0, time.Minute)

		if err := mc.DeletePrefix(ctx, "factor:600519:"); err != nil {
			t.Fatalf("DeletePrefix failed: %v", err)
		}

		exists, _ := mc.Exists(ctx, "factor:600519:momentum")
		if exists {
			t.Error("Prefixed key should be gone")
		}
		exists, _ = mc.Exists(ctx, "factor:000001:momentum")
		if !exists {
			t.Error("Other keys should survive")
		}
	})
}

func TestMemoryCacheEviction(t *testing.T) {
	mc := NewMemoryCache(2)
	defer mc.Close()

	ctx := context.Background()

	mc.Set(ctx, "a", 1, time.Minute)
	time.Sleep(time.Millisecond)
	mc.Set(ctx, "b", 2, time.Minute)
	time.Sleep(time.Millisecond)

	// Touch "a" so "b" becomes least recently used
	var v int
	mc.Get(ctx, "a", &v)
	time.Sleep(time.Millisecond)

	mc.Set(ctx, "c", 3, time.Minute)

	exists, _ := mc.Exists(ctx, "b")
	if exists {
		t.Error("LRU entry 'b' should have been evicted")
	}

	exists, _ = mc.Exists(ctx, "a")
	if !exists {
		t.Error("Recently used entry 'a' should survive")
	}

	if mc.Size() != 2 {
		t.Errorf("Expected size 2, got %d", mc.Size())
	}
}

func TestNewCacherFallsBackToMemory(t *testing.T) {
	// Redis disabled: factory must hand back a memory cache
	c, err := NewCacher(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCacher failed: %v", err)
	}
	defer c.Close()

	if _, ok := c.(*MemoryCache); !ok {
		t.Errorf("Expected *MemoryCache, got %T", c)
	}
}
