package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	DefaultMaxKeySize   = 512
	DefaultMaxValueSize = 1 << 20 // 1MB
	DefaultMaxListKeys  = 1000
)

// ErrKVFull is returned when a store refuses new keys.
var ErrKVFull = errors.New("kv store full")

// KVStore is the persistence behind the KV binding.
type KVStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Close() error
}

// KVConfig bounds what a guest may store.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxListKeys  int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultMaxKeySize,
		MaxValueSize: DefaultMaxValueSize,
		MaxListKeys:  DefaultMaxListKeys,
	}
}

// KV exposes a KVStore as host functions.
type KV struct {
	store KVStore
	cfg   KVConfig
}

func NewKV(store KVStore, cfg KVConfig) *KV {
	def := DefaultKVConfig()
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = def.MaxKeySize
	}
	if cfg.MaxValueSize == 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.MaxListKeys == 0 {
		cfg.MaxListKeys = def.MaxListKeys
	}
	return &KV{store: store, cfg: cfg}
}

func (kv *KV) key(args map[string]any) (string, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return "", errors.New("key required")
	}
	if len(key) > kv.cfg.MaxKeySize {
		return "", fmt.Errorf("key exceeds max size (%d bytes)", kv.cfg.MaxKeySize)
	}
	return key, nil
}

// Get returns the stored string, the "default" argument, or nil.
func (kv *KV) Get(ctx context.Context, args map[string]any) (any, error) {
	key, err := kv.key(args)
	if err != nil {
		return nil, err
	}

	val, ok, err := kv.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	if !ok {
		return args["default"], nil
	}
	return val, nil
}

func (kv *KV) Put(ctx context.Context, args map[string]any) (any, error) {
	key, err := kv.key(args)
	if err != nil {
		return nil, err
	}
	val, ok := args["value"].(string)
	if !ok {
		return nil, errors.New("value must be a string")
	}
	if len(val) > kv.cfg.MaxValueSize {
		return nil, fmt.Errorf("value exceeds max size (%d bytes)", kv.cfg.MaxValueSize)
	}

	if err := kv.store.Put(ctx, key, val); err != nil {
		return nil, fmt.Errorf("kv put: %w", err)
	}
	return "ok", nil
}

func (kv *KV) Delete(ctx context.Context, args map[string]any) (any, error) {
	key, err := kv.key(args)
	if err != nil {
		return nil, err
	}
	if err := kv.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("kv delete: %w", err)
	}
	return "ok", nil
}

// List returns keys under the optional "prefix" argument, sorted.
func (kv *KV) List(ctx context.Context, args map[string]any) (any, error) {
	prefix, _ := args["prefix"].(string)
	limit := kv.cfg.MaxListKeys
	if n, ok := args["limit"].(float64); ok && n > 0 && int(n) < limit {
		limit = int(n)
	}

	keys, err := kv.store.List(ctx, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	return keys, nil
}

// MemoryStore is a process-local KVStore.
type MemoryStore struct {
	data       map[string]string
	maxEntries int
	mu         sync.RWMutex
}

// NewMemoryStore returns an empty store. A positive maxEntries caps the
// number of keys.
func NewMemoryStore(maxEntries ...int) *MemoryStore {
	s := &MemoryStore{data: make(map[string]string)}
	if len(maxEntries) > 0 {
		s.maxEntries = maxEntries[0]
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	val, ok := s.data[key]
	s.mu.RUnlock()
	return val, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && s.maxEntries > 0 && len(s.data) >= s.maxEntries {
		return ErrKVFull
	}
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
