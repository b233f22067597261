package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestIndexCache_GetOrCreate_CachesHandle(t *testing.T) {
	cache := NewIndexCache()
	key := Key{Shard: "s0", Collection: "recs"}
	var inits int32

	init := func(context.Context) (Conn, error) {
		atomic.AddInt32(&inits, 1)
		return NewMemory(), nil
	}

	h1, err := cache.GetOrCreate(context.Background(), key, init)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	h2, err := cache.GetOrCreate(context.Background(), key, init)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if h1 != h2 {
		t.Fatal("second access must return the cached handle")
	}
	if inits != 1 {
		t.Fatalf("init ran %d times, want 1", inits)
	}
}

func TestIndexCache_ConcurrentFirstAccess_Singleton(t *testing.T) {
	cache := NewIndexCache()
	key := Key{Shard: "s1", Collection: "recs"}
	var inits int32

	const callers = 32
	var wg sync.WaitGroup
	handles := make([]*Handle, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			handles[i], errs[i] = cache.GetOrCreate(context.Background(), key, func(context.Context) (Conn, error) {
				atomic.AddInt32(&inits, 1)
				return NewMemory(), nil
			})
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got a divergent handle", i)
		}
	}
	if inits != 1 {
		t.Fatalf("init ran %d times under concurrent first access, want 1", inits)
	}
}

func TestIndexCache_DistinctKeysDistinctHandles(t *testing.T) {
	cache := NewIndexCache()
	init := func(context.Context) (Conn, error) { return NewMemory(), nil }

	h1, _ := cache.GetOrCreate(context.Background(), Key{Shard: "s0", Collection: "a"}, init)
	h2, _ := cache.GetOrCreate(context.Background(), Key{Shard: "s0", Collection: "b"}, init)
	h3, _ := cache.GetOrCreate(context.Background(), Key{Shard: "s1", Collection: "a"}, init)
	if h1 == h2 || h1 == h3 || h2 == h3 {
		t.Fatal("distinct keys must yield distinct handles")
	}
}

func TestIndexCache_FailureNotCached(t *testing.T) {
	cache := NewIndexCache()
	key := Key{Shard: "s0", Collection: "recs"}
	calls := 0

	boom := errors.New("backend down")
	_, err := cache.GetOrCreate(context.Background(), key, func(context.Context) (Conn, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected init error, got %v", err)
	}
	if cache.Get(key) != nil {
		t.Fatal("failed init must not be cached")
	}

	// Next attempt retries initialization.
	h, err := cache.GetOrCreate(context.Background(), key, func(context.Context) (Conn, error) {
		calls++
		return NewMemory(), nil
	})
	if err != nil || h == nil {
		t.Fatalf("retry failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("init calls = %d, want 2", calls)
	}
}

func TestIndexCache_Close(t *testing.T) {
	cache := NewIndexCache()
	key := Key{Shard: "s0", Collection: "recs"}
	cache.GetOrCreate(context.Background(), key, func(context.Context) (Conn, error) {
		return NewMemory(), nil
	})
	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if cache.Get(key) != nil {
		t.Fatal("cache must be empty after Close")
	}
}
