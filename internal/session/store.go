package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Default retention windows. Sessions slide on every write; cached
// rendered outputs live much shorter since they only exist to absorb
// duplicate submissions.
const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultOutputTTL = time.Hour

	// sweepInterval is how often the backing caches purge expired
	// entries. Expired entries are invisible to Get before the sweep
	// runs, so this only bounds memory, not correctness.
	sweepInterval = 10 * time.Minute
)

// Store holds sessions and their cached rendered outputs. The backing
// cache has no native enumeration, so the store maintains its own key
// index for listing; index entries whose session has already expired
// are treated as soft-deleted and skipped on read.
//
// Every operation on a single session is serialized by a per-key mutex
// so concurrent appends to the same conversation never lose a turn.
// Readers receive deep-copied snapshots taken under that lock; the
// live *Session never leaves the store. Per-key bookkeeping (mutex and
// index entry) is pruned when the backing cache expires the session.
type Store struct {
	sessions *gocache.Cache
	outputs  *gocache.Cache
	logger   *slog.Logger

	mu    sync.Mutex
	index map[string]struct{}
	locks map[string]*sync.Mutex
}

// NewStore creates a session store with the given retention windows.
// Zero durations fall back to the defaults.
func NewStore(retention, outputTTL time.Duration, logger *slog.Logger) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if outputTTL <= 0 {
		outputTTL = DefaultOutputTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		sessions: gocache.New(retention, sweepInterval),
		outputs:  gocache.New(outputTTL, sweepInterval),
		logger:   logger.With("component", "session"),
		index:    make(map[string]struct{}),
		locks:    make(map[string]*sync.Mutex),
	}
	s.sessions.OnEvicted(func(key string, _ any) { s.evicted(key) })
	return s
}

// lockKey acquires the per-key mutex, creating it on first use. Lock
// entries can be pruned between lookup and acquisition (by Delete or
// by eviction), so the acquisition re-checks that the mutex it holds
// is still the current one and retries otherwise; two holders for the
// same key can never coexist.
func (s *Store) lockKey(key string) *sync.Mutex {
	for {
		s.mu.Lock()
		lock, ok := s.locks[key]
		if !ok {
			lock = &sync.Mutex{}
			s.locks[key] = lock
		}
		s.mu.Unlock()

		lock.Lock()

		s.mu.Lock()
		current := s.locks[key]
		s.mu.Unlock()
		if current == lock {
			return lock
		}
		lock.Unlock()
	}
}

func (s *Store) register(key string) {
	s.mu.Lock()
	s.index[key] = struct{}{}
	s.mu.Unlock()
}

// evicted runs when the backing cache drops a session, either by TTL
// expiry or explicit deletion, and prunes the cached output, the index
// entry, and the key mutex so expired keys cost nothing forever after.
// The mutex is pruned only when nobody holds it: a holder is an
// in-flight writer that will re-register the key, or Delete, which
// prunes on its own. Runs on the eviction caller's goroutine, so it
// must never block on the key lock.
func (s *Store) evicted(key string) {
	if _, ok := s.sessions.Get(key); ok {
		// Re-created since the eviction fired.
		return
	}
	s.outputs.Delete(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, key)
	if lock, ok := s.locks[key]; ok && lock.TryLock() {
		delete(s.locks, key)
		lock.Unlock()
	}
}

// releaseIfUnregistered drops a lock-map entry that was created for a
// key with no session behind it, so probing unknown ids cannot grow
// the map. Callers still holding the mutex may delete it; lockKey's
// re-check handles anyone who raced for the stale entry.
func (s *Store) releaseIfUnregistered(key string, lock *sync.Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, registered := s.index[key]; !registered && s.locks[key] == lock {
		delete(s.locks, key)
	}
}

// GetOrCreate returns a snapshot of the session at key, creating and
// registering a fresh one if it is absent or expired. Absence is
// normal, never an error.
func (s *Store) GetOrCreate(key string) *Session {
	lock := s.lockKey(key)
	defer lock.Unlock()

	if v, ok := s.sessions.Get(key); ok {
		return v.(*Session).Clone()
	}

	now := time.Now().UTC()
	sess := &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions.Set(key, sess, gocache.DefaultExpiration)
	s.register(key)
	s.logger.Debug("session created", "session_id", key)
	return sess.Clone()
}

// Save upserts a copy of sess at key, refreshing UpdatedAt and the
// sliding retention timer, and registers the key in the index.
func (s *Store) Save(key string, sess *Session) {
	lock := s.lockKey(key)
	defer lock.Unlock()

	stored := sess.Clone()
	stored.UpdatedAt = time.Now().UTC()
	s.sessions.Set(key, stored, gocache.DefaultExpiration)
	s.register(key)
}

// Get returns a snapshot of the session at key, or nil if it was never
// created or has expired. The snapshot is safe to read and marshal
// while writers keep appending to the live session.
func (s *Store) Get(key string) *Session {
	lock := s.lockKey(key)
	defer lock.Unlock()

	v, ok := s.sessions.Get(key)
	if !ok {
		s.releaseIfUnregistered(key, lock)
		return nil
	}
	return v.(*Session).Clone()
}

// Update runs fn against the live session at key (creating it if
// absent) and persists the result, all under the key's lock.
// Concurrent updates to the same key are serialized; no append is ever
// lost. fn must not retain the *Session past its return.
func (s *Store) Update(key string, fn func(*Session)) {
	lock := s.lockKey(key)
	defer lock.Unlock()

	var sess *Session
	if v, ok := s.sessions.Get(key); ok {
		sess = v.(*Session)
	} else {
		now := time.Now().UTC()
		sess = &Session{Key: key, CreatedAt: now, UpdatedAt: now}
	}

	fn(sess)

	sess.UpdatedAt = time.Now().UTC()
	s.sessions.Set(key, sess, gocache.DefaultExpiration)
	s.register(key)
}

// Delete removes the session, its cached output, its index entry, and
// its key mutex. Returns whether a live session entry was actually
// present.
func (s *Store) Delete(key string) bool {
	lock := s.lockKey(key)
	defer lock.Unlock()

	_, existed := s.sessions.Get(key)
	s.sessions.Delete(key)
	s.outputs.Delete(key)

	s.mu.Lock()
	delete(s.index, key)
	if s.locks[key] == lock {
		delete(s.locks, key)
	}
	s.mu.Unlock()

	s.logger.Debug("session deleted", "session_id", key, "existed", existed)
	return existed
}

// List returns summaries of all live sessions, newest activity first.
// Index entries whose backing session has expired are skipped and
// removed; the index and the data expire on independent clocks, so a
// dangling index entry is soft-deleted state, not corruption.
func (s *Store) List() []Summary {
	s.mu.Lock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	summaries := make([]Summary, 0, len(keys))
	for _, k := range keys {
		sess := s.Get(k)
		if sess == nil {
			s.mu.Lock()
			delete(s.index, k)
			s.mu.Unlock()
			continue
		}
		summaries = append(summaries, Summary{
			Key:       sess.Key,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
			TurnCount: len(sess.Turns),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries
}

// SetCachedOutput stores the last rendered output for a session under
// the short output TTL, overwriting any previous entry.
func (s *Store) SetCachedOutput(key, html string) {
	s.outputs.Set(key, html, gocache.DefaultExpiration)
}

// CachedOutput returns the cached rendered output for a session, if
// one is still live.
func (s *Store) CachedOutput(key string) (string, bool) {
	v, ok := s.outputs.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}
