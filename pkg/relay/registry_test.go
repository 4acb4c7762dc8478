package relay

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) NewTimer(d time.Duration) Timer {
	return RealClock{}.NewTimer(d)
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistryGetOrCreateInvokesFactoryOnce(t *testing.T) {
	registry, err := NewSessionRegistry(8, nil, slog.Default())
	require.NoError(t, err)

	var calls atomic.Int32
	factory := func(key SessionKey) (*SessionRecord, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return NewSessionRecord(key, nil, time.Now()), nil
	}

	const callers = 16
	records := make([]*SessionRecord, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := registry.GetOrCreate("chat-42", factory)
			assert.NoError(t, err)
			records[i] = rec
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, rec := range records {
		assert.Same(t, records[0], rec)
	}
	assert.Equal(t, 1, registry.Len())
}

func TestRegistryGetOrCreateFactoryError(t *testing.T) {
	registry, err := NewSessionRegistry(8, nil, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = registry.GetOrCreate("chat-1", func(SessionKey) (*SessionRecord, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, ok := registry.Get("chat-1")
	assert.False(t, ok)
}

func TestRegistryStrictCreateRejectsDuplicate(t *testing.T) {
	registry, err := NewSessionRegistry(8, nil, nil)
	require.NoError(t, err)

	first, err := registry.Create("domain-7", "owner")
	require.NoError(t, err)
	assert.Equal(t, "owner", first.Owner)
	assert.Equal(t, StateCreated, first.State())

	_, err = registry.Create("domain-7", nil)
	assert.ErrorIs(t, err, ErrDuplicateSession)

	var dup *DuplicateSessionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.SessionID)
}

func TestRegistryReusedKeyGetsNewRecord(t *testing.T) {
	registry, err := NewSessionRegistry(8, nil, nil)
	require.NoError(t, err)

	first, err := registry.Create("chat-1", nil)
	require.NoError(t, err)
	_, ok := registry.Remove("chat-1")
	require.True(t, ok)

	second, err := registry.Create("chat-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Removing the stale record must not remove its replacement
	assert.False(t, registry.expireRecord(first))
	_, ok = registry.Get("chat-1")
	assert.True(t, ok)
}

func TestRegistryEvictsOldestSession(t *testing.T) {
	registry, err := NewSessionRegistry(2, nil, nil)
	require.NoError(t, err)
	metrics := NewMetrics()
	registry.SetMetrics(metrics)

	for _, key := range []SessionKey{"a", "b", "c"} {
		_, err := registry.Create(key, nil)
		require.NoError(t, err)
	}

	_, ok := registry.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []SessionKey{"b", "c"}, registry.Keys())
}

func TestRegistryEvictionSkipsBusySessions(t *testing.T) {
	registry, err := NewSessionRegistry(2, nil, nil)
	require.NoError(t, err)

	a, err := registry.Create("a", nil)
	require.NoError(t, err)
	_, ok := a.begin("req-a", time.Now())
	require.True(t, ok)
	b, err := registry.Create("b", nil)
	require.NoError(t, err)

	_, err = registry.Create("c", nil)
	require.NoError(t, err)

	assert.Equal(t, []SessionKey{"a", "c"}, registry.Keys())
	_, ok = b.begin("req-b", time.Now())
	assert.False(t, ok, "an evicted record accepts no requests")
}

func TestRegistryFullOfBusySessionsRejectsNewKeys(t *testing.T) {
	registry, err := NewSessionRegistry(1, nil, nil)
	require.NoError(t, err)
	registry.SetMetrics(NewMetrics())

	a, err := registry.Create("a", nil)
	require.NoError(t, err)
	_, ok := a.begin("req-1", time.Now())
	require.True(t, ok)

	_, err = registry.Create("b", nil)
	assert.ErrorIs(t, err, ErrCacheFull)
	_, err = registry.GetOrCreate("b", func(k SessionKey) (*SessionRecord, error) {
		return NewSessionRecord(k, nil, time.Now()), nil
	})
	assert.ErrorIs(t, err, ErrCacheFull)

	current, ok := registry.Get("a")
	require.True(t, ok)
	assert.Same(t, a, current)

	a.end("req-1")
	_, err = registry.Create("b", nil)
	require.NoError(t, err)
	_, ok = registry.Get("a")
	assert.False(t, ok)

	busy, ok := a.begin("req-2", time.Now())
	assert.False(t, ok)
	assert.Empty(t, busy)
}

func TestRegistryExpireSkipsBusySessions(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	registry, err := NewSessionRegistry(8, clock, nil)
	require.NoError(t, err)

	idle, err := registry.Create("idle", nil)
	require.NoError(t, err)
	busy, err := registry.Create("busy", nil)
	require.NoError(t, err)
	_, ok := busy.begin("req-1", clock.Now())
	require.True(t, ok)

	clock.advance(time.Minute)
	fresh, err := registry.Create("fresh", nil)
	require.NoError(t, err)

	expired := registry.Expire(30 * time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, idle.ID, expired[0].ID)
	_, ok = idle.begin("req-2", clock.Now())
	assert.False(t, ok, "an expired record accepts no requests")

	_, ok = registry.Get("busy")
	assert.True(t, ok)
	_, ok = registry.Get(fresh.Key)
	assert.True(t, ok)

	assert.Nil(t, registry.Expire(0))
}

func TestSessionRecordTerminalStates(t *testing.T) {
	rec := NewSessionRecord("chat-1", nil, time.Now())

	assert.True(t, rec.transition(StateActive, time.Now()))
	assert.True(t, rec.transition(StateCompleted, time.Now()))
	assert.False(t, rec.transition(StateActive, time.Now()))
	assert.Equal(t, StateCompleted, rec.State())
	assert.True(t, rec.State().Terminal())
}

func TestSessionRecordSingleInFlight(t *testing.T) {
	rec := NewSessionRecord("chat-1", nil, time.Now())

	_, ok := rec.begin("req-1", time.Now())
	require.True(t, ok)

	busy, ok := rec.begin("req-2", time.Now())
	assert.False(t, ok)
	assert.Equal(t, "req-1", busy)

	rec.end("req-2")
	id, inFlight := rec.InFlight()
	assert.True(t, inFlight)
	assert.Equal(t, "req-1", id)

	rec.end("req-1")
	_, inFlight = rec.InFlight()
	assert.False(t, inFlight)
}

// **Feature: session-relay, Property 2: One Record Per Key**
func TestRegistryOneRecordPerKeyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfN(rapid.SampledFrom([]SessionKey{"a", "b", "c", "d"}), 1, 50).Draw(t, "keys")

		registry, err := NewSessionRegistry(16, nil, slog.Default())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		seen := make(map[SessionKey]string)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, key := range keys {
			wg.Add(1)
			go func(key SessionKey) {
				defer wg.Done()
				rec, err := registry.GetOrCreate(key, func(k SessionKey) (*SessionRecord, error) {
					return NewSessionRecord(k, nil, time.Now()), nil
				})
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if id, ok := seen[key]; ok && id != rec.ID {
					t.Errorf("key %s mapped to two records", key)
				}
				seen[key] = rec.ID
			}(key)
		}
		wg.Wait()

		assert.Equal(t, len(seen), registry.Len())
	})
}
