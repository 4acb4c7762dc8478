package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionFactory builds the record for a key that is not yet registered.
type SessionFactory func(key SessionKey) (*SessionRecord, error)

// SessionRegistry maps a session key to its single owning SessionRecord.
// Records live in a SessionCache, so the registry never holds more than the
// configured number of sessions. Only idle sessions are evicted; a record
// with a request in flight stays mapped until the request ends.
type SessionRegistry struct {
	cache   *SessionCache[SessionKey, *SessionRecord]
	group   singleflight.Group
	mu      sync.Mutex // guards check-then-store across the cache
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
}

// NewSessionRegistry creates a registry bounded to capacity sessions.
func NewSessionRegistry(capacity int, clock Clock, logger *slog.Logger) (*SessionRegistry, error) {
	cache, err := NewSessionCache[SessionKey, *SessionRecord](capacity)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &SessionRegistry{
		cache:  cache,
		clock:  clock,
		logger: logger,
	}
	cache.EvictWhen((*SessionRecord).detach)
	cache.OnEvict(r.evicted)
	return r, nil
}

// SetMetrics sets the metrics instance for recording session metrics
func (r *SessionRegistry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

func (r *SessionRegistry) evicted(key SessionKey, rec *SessionRecord) {
	r.logger.Warn("Session evicted from full registry",
		"session_key", key,
		"session_id", rec.ID,
		"state", rec.State(),
	)
	if r.metrics != nil {
		r.metrics.RecordSessionEvent(SessionEventEvicted)
	}
}

// Get returns the record registered for key.
func (r *SessionRegistry) Get(key SessionKey) (*SessionRecord, bool) {
	return r.cache.Get(key)
}

// GetOrCreate returns the record for key, invoking factory at most once even
// when several callers race on the same missing key.
func (r *SessionRegistry) GetOrCreate(key SessionKey, factory SessionFactory) (*SessionRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("session key cannot be empty")
	}
	if rec, ok := r.cache.Get(key); ok {
		return rec, nil
	}

	v, err, _ := r.group.Do(string(key), func() (any, error) {
		if rec, ok := r.cache.Get(key); ok {
			return rec, nil
		}

		rec, err := factory(key)
		if err != nil {
			return nil, fmt.Errorf("create session %s: %w", key, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("create session %s: factory returned no record", key)
		}

		stored, _, err := r.storeIfAbsent(key, rec)
		if err != nil {
			return nil, err
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SessionRecord), nil
}

// Create registers a new record for key and fails with DuplicateSessionError
// if the key is already mapped, or ErrCacheFull if no session can make room.
func (r *SessionRegistry) Create(key SessionKey, owner any) (*SessionRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("session key cannot be empty")
	}

	rec := NewSessionRecord(key, owner, r.clock.Now())
	stored, created, err := r.storeIfAbsent(key, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, &DuplicateSessionError{Key: key, SessionID: stored.ID}
	}
	return rec, nil
}

func (r *SessionRegistry) storeIfAbsent(key SessionKey, rec *SessionRecord) (*SessionRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.cache.Get(key); ok {
		return existing, false, nil
	}
	if _, err := r.cache.Put(key, rec); err != nil {
		if r.metrics != nil {
			r.metrics.RecordSessionEvent(SessionEventRejected)
		}
		return nil, false, fmt.Errorf("register session %s: %w", key, err)
	}

	r.logger.Info("Session created",
		"session_key", key,
		"session_id", rec.ID,
	)
	if r.metrics != nil {
		r.metrics.RecordSessionEvent(SessionEventOpened)
	}
	return rec, true, nil
}

// Remove deletes the record for key and returns it.
func (r *SessionRegistry) Remove(key SessionKey) (*SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	r.cache.Delete(key)
	return rec, true
}

// expireRecord deletes rec only if it is still the record mapped to its key
// and no request began on it since it was found idle.
func (r *SessionRegistry) expireRecord(rec *SessionRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.DeleteIf(rec.Key, func(current *SessionRecord) bool {
		return current.ID == rec.ID && current.detach()
	})
}

// Expire removes idle sessions whose last activity is older than ttl.
// Sessions with a request in flight are kept.
func (r *SessionRegistry) Expire(ttl time.Duration) []*SessionRecord {
	if ttl <= 0 {
		return nil
	}

	now := r.clock.Now()
	var expired []*SessionRecord
	for _, rec := range r.cache.Values() {
		if _, busy := rec.InFlight(); busy {
			continue
		}
		if now.Sub(rec.LastActivity()) <= ttl {
			continue
		}
		if r.expireRecord(rec) {
			expired = append(expired, rec)
		}
	}

	for _, rec := range expired {
		r.logger.Info("Session expired and cleaned up",
			"session_key", rec.Key,
			"session_id", rec.ID,
		)
		if r.metrics != nil {
			r.metrics.RecordSessionEvent(SessionEventExpired)
		}
	}
	return expired
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	return r.cache.Len()
}

// Keys returns the registered keys, oldest first.
func (r *SessionRegistry) Keys() []SessionKey {
	return r.cache.Keys()
}
