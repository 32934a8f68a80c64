package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newMemoryKV() *KV {
	return NewKV(NewMemoryStore(), DefaultKVConfig())
}

func TestKVPutGet(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	_, err := kv.Put(ctx, map[string]any{"key": "foo", "value": "bar"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	val, err := kv.Get(ctx, map[string]any{"key": "foo"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "bar" {
		t.Errorf("expected bar, got %v", val)
	}
}

func TestKVGetDefault(t *testing.T) {
	kv := newMemoryKV()

	val, err := kv.Get(context.Background(), map[string]any{"key": "missing", "default": "fallback"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "fallback" {
		t.Errorf("expected fallback, got %v", val)
	}
}

func TestKVGetMissing(t *testing.T) {
	kv := newMemoryKV()

	val, err := kv.Get(context.Background(), map[string]any{"key": "missing"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil, got %v", val)
	}
}

func TestKVDelete(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	kv.Put(ctx, map[string]any{"key": "foo", "value": "bar"})
	kv.Delete(ctx, map[string]any{"key": "foo"})

	val, _ := kv.Get(ctx, map[string]any{"key": "foo"})
	if val != nil {
		t.Errorf("expected nil after delete, got %v", val)
	}
}

func TestKVListPrefix(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	for _, k := range []string{"user:2", "user:1", "session:1"} {
		kv.Put(ctx, map[string]any{"key": k, "value": "x"})
	}

	result, err := kv.List(ctx, map[string]any{"prefix": "user:"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	keys := result.([]string)
	if len(keys) != 2 || keys[0] != "user:1" || keys[1] != "user:2" {
		t.Errorf("expected [user:1 user:2], got %v", keys)
	}
}

func TestKVListLimit(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	for i := range 5 {
		kv.Put(ctx, map[string]any{"key": fmt.Sprintf("k%d", i), "value": "x"})
	}

	result, _ := kv.List(ctx, map[string]any{"limit": float64(2)})
	if keys := result.([]string); len(keys) != 2 {
		t.Errorf("expected 2 keys, got %v", keys)
	}
}

func TestKVRejectsNonStringValue(t *testing.T) {
	kv := newMemoryKV()

	_, err := kv.Put(context.Background(), map[string]any{"key": "n", "value": 42.0})
	if err == nil {
		t.Error("expected error for non-string value")
	}
}

func TestKVKeyTooLarge(t *testing.T) {
	kv := NewKV(NewMemoryStore(), KVConfig{MaxKeySize: 10})

	_, err := kv.Put(context.Background(), map[string]any{"key": "this-key-is-too-long", "value": "x"})
	if err == nil {
		t.Error("expected error for key too large")
	}
}

func TestKVValueTooLarge(t *testing.T) {
	kv := NewKV(NewMemoryStore(), KVConfig{MaxValueSize: 10})

	_, err := kv.Put(context.Background(), map[string]any{"key": "k", "value": "this-value-is-way-too-large"})
	if err == nil {
		t.Error("expected error for value too large")
	}
}

func TestKVTooManyEntries(t *testing.T) {
	kv := NewKV(NewMemoryStore(2), DefaultKVConfig())
	ctx := context.Background()

	kv.Put(ctx, map[string]any{"key": "a", "value": "1"})
	kv.Put(ctx, map[string]any{"key": "b", "value": "2"})

	_, err := kv.Put(ctx, map[string]any{"key": "c", "value": "3"})
	if !errors.Is(err, ErrKVFull) {
		t.Errorf("expected ErrKVFull, got %v", err)
	}

	// Overwriting an existing key is still allowed.
	if _, err := kv.Put(ctx, map[string]any{"key": "a", "value": "updated"}); err != nil {
		t.Errorf("overwrite failed: %v", err)
	}
}

func TestKVConcurrent(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + (n % 26)))
			kv.Put(ctx, map[string]any{"key": key, "value": fmt.Sprint(n)})
			kv.Get(ctx, map[string]any{"key": key})
		}(i)
	}
	wg.Wait()
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	kv := NewKV(store, DefaultKVConfig())
	kv.Put(ctx, map[string]any{"key": "greeting", "value": "hello"})
	kv.Put(ctx, map[string]any{"key": "greeting", "value": "hello again"})
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	val, ok, err := reopened.Get(ctx, "greeting")
	if err != nil || !ok {
		t.Fatalf("expected stored value, got ok=%v err=%v", ok, err)
	}
	if val != "hello again" {
		t.Errorf("expected 'hello again', got %q", val)
	}
}

func TestSQLiteStoreListIsCaseSensitive(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, k := range []string{"a_1", "A_2", "ab", "b"} {
		if err := store.Put(ctx, k, "v"); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	keys, err := store.List(ctx, "a", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a_1" || keys[1] != "ab" {
		t.Errorf("expected [a_1 ab], got %v", keys)
	}

	if err := store.Delete(ctx, "ab"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "ab"); ok {
		t.Error("expected key to be deleted")
	}
}
