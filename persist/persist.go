package persist

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/agentuity/go-query/keys"
	"github.com/agentuity/go-query/query"
)

// PersistedEntry is the stored snapshot of one successful query result. The
// payload stays opaque to the storage backend; only the Manager's registered
// serializer for the key can decode it.
type PersistedEntry struct {
	Key           keys.Key  `msgpack:"key" json:"key"`
	Hash          string    `msgpack:"hash" json:"hash"`
	Payload       []byte    `msgpack:"payload" json:"payload"`
	DataUpdatedAt time.Time `msgpack:"data_updated_at" json:"data_updated_at"`
	PersistedAt   time.Time `msgpack:"persisted_at" json:"persisted_at"`
	Status        string    `msgpack:"status" json:"status"`
}

// Storage is a pluggable persistence backend. Implementations must be safe
// for concurrent use.
type Storage interface {
	// Init prepares the backend (connects, creates tables). Idempotent.
	Init(ctx context.Context) error
	// Put stores (or replaces) the record for hash.
	Put(ctx context.Context, hash string, entry PersistedEntry) error
	// GetAll returns every stored record.
	GetAll(ctx context.Context) ([]PersistedEntry, error)
	// Delete removes the record for hash, if present.
	Delete(ctx context.Context, hash string) error
	// Clear removes every record.
	Clear(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// DefaultQueryTimeout bounds each storage operation the Manager performs on
// its own goroutines.
const DefaultQueryTimeout = 5 * time.Second

// EntryOptions configures persistence for one query key.
type EntryOptions struct {
	// Serializer encodes fetched data for storage and decodes it at
	// hydration time. Required.
	Serializer Serializer
	// MaxAge discards stored records older than this (relative to the
	// original fetch time) at hydration. Zero means no age limit.
	MaxAge time.Duration
	// RemoveOnDecodeError deletes the stored record when its payload no
	// longer deserializes under the current model.
	RemoveOnDecodeError bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueryTimeout bounds individual storage operations. Defaults to
// DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(m *Manager) { m.queryTimeout = d }
}

// Manager serializes successful query data to a storage backend and hydrates
// the cache from it at startup. It installs itself as the cache's listener;
// at most one Manager per cache.
//
// Write failures are logged, never surfaced into the fetch path. Hydration
// failures for one key never block hydration of the others.
type Manager struct {
	cache        *query.Cache
	storage      Storage
	log          logger.Logger
	queryTimeout time.Duration

	mu       sync.Mutex
	opts     map[string]EntryOptions
	hydrated bool

	wg sync.WaitGroup
}

// New builds a Manager and attaches it to the cache.
func New(cache *query.Cache, storage Storage, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		cache:        cache,
		storage:      storage,
		log:          log.WithPrefix("persist"),
		queryTimeout: DefaultQueryTimeout,
		opts:         make(map[string]EntryOptions),
	}
	for _, opt := range opts {
		opt(m)
	}
	cache.SetListener(m)
	return m
}

var _ query.CacheListener = (*Manager)(nil)

// RegisterOptions enables persistence for key. The first registration per key
// wins: a later registration for the same key is accepted but ignored for the
// serialization choice (logged, not fatal). If the key was hydrated before
// its options were known, the deferred deserialization runs now.
func (m *Manager) RegisterOptions(key keys.Key, o EntryOptions) {
	hash := keys.Hash(key)
	m.mu.Lock()
	if _, exists := m.opts[hash]; exists {
		m.mu.Unlock()
		m.log.Warn("duplicate persist registration ignored for %s", hash)
		return
	}
	m.opts[hash] = o
	m.mu.Unlock()

	m.TryDeserialize(key)
}

func (m *Manager) optionsFor(hash string) (EntryOptions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opts[hash]
	return o, ok
}

// OnFetchSuccess implements query.CacheListener: fire-and-forget
// serialize-and-store for keys registered for persistence.
func (m *Manager) OnFetchSuccess(key keys.Key, hash string, data any, updatedAt time.Time) {
	o, ok := m.optionsFor(hash)
	if !ok {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		payload, err := o.Serializer.Marshal(data)
		if err != nil {
			m.log.Warn("failed to serialize %s: %s", hash, err)
			return
		}
		rec := PersistedEntry{
			Key:           key,
			Hash:          hash,
			Payload:       payload,
			DataUpdatedAt: updatedAt,
			PersistedAt:   time.Now(),
			Status:        query.StatusSuccess.String(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.queryTimeout)
		defer cancel()
		if err := m.storage.Put(ctx, hash, rec); err != nil {
			m.log.Warn("failed to persist %s: %s", hash, err)
		}
	}()
}

// OnEntryRemoved implements query.CacheListener: an explicitly evicted entry
// loses its stored record.
func (m *Manager) OnEntryRemoved(_ keys.Key, hash string) {
	if _, ok := m.optionsFor(hash); !ok {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.queryTimeout)
		defer cancel()
		if err := m.storage.Delete(ctx, hash); err != nil {
			m.log.Warn("failed to delete persisted record %s: %s", hash, err)
		}
	}()
}

// Hydrate pre-populates the cache from storage. Call once at startup, before
// any observer exists; later calls are no-ops. Records past their MaxAge are
// discarded and removed from storage. Installed payloads stay serialized
// until matching options are registered (the consumer's model type may not be
// known yet); registration triggers the deferred deserialization.
func (m *Manager) Hydrate(ctx context.Context) error {
	m.mu.Lock()
	if m.hydrated {
		m.mu.Unlock()
		return nil
	}
	m.hydrated = true
	m.mu.Unlock()

	if err := m.storage.Init(ctx); err != nil {
		return err
	}
	records, err := m.storage.GetAll(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.Hash == "" || len(rec.Payload) == 0 {
			m.log.Warn("skipping malformed persisted record %q", rec.Hash)
			continue
		}
		o, registered := m.optionsFor(rec.Hash)
		if registered && m.expired(rec, o) {
			m.deleteRecord(ctx, rec.Hash)
			continue
		}
		entry := m.cache.GetOrCreate(rec.Key, query.Options{Key: rec.Key})
		if !entry.Hydrate(rec.Payload, rec.DataUpdatedAt) {
			continue
		}
		m.log.Trace("hydrated %s", rec.Hash)
		if registered {
			m.TryDeserialize(rec.Key)
		}
	}
	return nil
}

func (m *Manager) expired(rec PersistedEntry, o EntryOptions) bool {
	return o.MaxAge > 0 && time.Since(rec.DataUpdatedAt) > o.MaxAge
}

// TryDeserialize decodes a hydrated-but-still-serialized entry once options
// for its key are known. On a decode failure — the schema-drift recovery
// path — the raw payload is discarded so the entry returns to pending (a
// fresh fetch follows naturally) and, with RemoveOnDecodeError, the stored
// record is deleted. It never panics or propagates the decode error. Returns
// true if the entry now holds deserialized data.
func (m *Manager) TryDeserialize(key keys.Key) bool {
	hash := keys.Hash(key)
	o, ok := m.optionsFor(hash)
	if !ok {
		return false
	}
	entry := m.cache.Get(key)
	if entry == nil {
		return false
	}
	payload, raw := entry.HydratedPayload()
	if !raw {
		return false
	}

	if o.MaxAge > 0 && time.Since(entry.DataUpdatedAt()) > o.MaxAge {
		entry.DiscardHydrated()
		m.deleteRecordAsync(hash)
		return false
	}

	v, err := safeUnmarshal(o.Serializer, payload)
	if err != nil {
		m.log.Warn("discarding stale persisted payload for %s: %s", hash, err)
		entry.DiscardHydrated()
		if o.RemoveOnDecodeError {
			m.deleteRecordAsync(hash)
		}
		return false
	}
	entry.ResolveHydrated(v)
	return true
}

func (m *Manager) deleteRecord(ctx context.Context, hash string) {
	if err := m.storage.Delete(ctx, hash); err != nil {
		m.log.Warn("failed to delete persisted record %s: %s", hash, err)
	}
}

func (m *Manager) deleteRecordAsync(hash string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.queryTimeout)
		defer cancel()
		m.deleteRecord(ctx, hash)
	}()
}

// Clear removes every stored record.
func (m *Manager) Clear(ctx context.Context) error {
	return m.storage.Clear(ctx)
}

// Close waits for in-flight writes and closes the storage backend.
func (m *Manager) Close() error {
	m.cache.SetListener(nil)
	m.wg.Wait()
	return m.storage.Close()
}
