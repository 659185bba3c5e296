package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/infra/cache"
)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "value1" {
		t.Errorf("expected 'value1', got '%s'", val)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	_, ok := c.Get("nonexistent")
	if ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[string](50 * time.Millisecond)
	defer c.Close()

	c.Set("key1", "value1")
	time.Sleep(100 * time.Millisecond)

	_, ok := c.Get("key1")
	if ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	c.Set("key1", "value1")
	c.Delete("key1")

	_, ok := c.Get("key1")
	if ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestCache_GetOrCreate(t *testing.T) {
	c := cache.New[int](5 * time.Minute)
	defer c.Close()

	calls := 0
	create := func() int { calls++; return 42 }

	if v := c.GetOrCreate("k", create); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := c.GetOrCreate("k", create); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if calls != 1 {
		t.Errorf("expected create to run once, ran %d times", calls)
	}
}

func TestCache_EvictHook(t *testing.T) {
	var mu sync.Mutex
	evicted := map[string]string{}
	c := cache.New[string](30*time.Millisecond, cache.WithEvictHook(func(k, v string) {
		mu.Lock()
		evicted[k] = v
		mu.Unlock()
	}))

	c.Set("deleted", "a")
	c.Delete("deleted")
	c.Set("expiring", "b")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(evicted)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.Set("closed", "c")
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if evicted["deleted"] != "a" {
		t.Error("expected delete to trigger evict hook")
	}
	if evicted["expiring"] != "b" {
		t.Error("expected expiry to trigger evict hook")
	}
	if evicted["closed"] != "c" {
		t.Error("expected close to evict remaining entries")
	}
}

func TestCache_MaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c := cache.New[int](time.Minute,
		cache.WithMaxEntries[int](2),
		cache.WithEvictHook(func(k string, _ int) {
			mu.Lock()
			evicted = append(evicted, k)
			mu.Unlock()
		}),
	)
	defer c.Close()

	c.Set("a", 1)
	time.Sleep(2 * time.Millisecond)
	c.GetOrCreate("b", func() int { return 2 })
	time.Sleep(2 * time.Millisecond)
	c.Get("a") // a is now more recent than b
	time.Sleep(2 * time.Millisecond)
	c.GetOrCreate("c", func() int { return 3 })

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected recently read entry to survive")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("expected evict hook for b only, got %v", evicted)
	}
}

func TestCache_MaxEntriesUpdateDoesNotEvict(t *testing.T) {
	c := cache.New[int](time.Minute, cache.WithMaxEntries[int](1))
	defer c.Close()

	c.Set("a", 1)
	c.Set("a", 2)

	if v, ok := c.Get("a"); !ok || v != 2 {
		t.Errorf("expected updated value 2, got %d (ok=%v)", v, ok)
	}
}
