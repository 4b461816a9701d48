package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	"github.com/strutframework/strut/internal/runtime/metadata"
)

// memPeriodicBackend adds an in-memory PeriodicStore to memBackend.
type memPeriodicBackend struct {
	*memBackend
	pmu     sync.Mutex
	entries map[string]*PeriodicEntry
	locks   map[string]time.Time
}

func newMemPeriodicBackend() *memPeriodicBackend {
	return &memPeriodicBackend{
		memBackend: newMemBackend(),
		entries:    map[string]*PeriodicEntry{},
		locks:      map[string]time.Time{},
	}
}

func (m *memPeriodicBackend) UpsertPeriodic(_ context.Context, entry *PeriodicEntry) error {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if existing, ok := m.entries[entry.Name]; ok && existing.Schedule == entry.Schedule {
		return nil
	}
	clone := *entry
	m.entries[entry.Name] = &clone
	return nil
}

func (m *memPeriodicBackend) ListPeriodic(context.Context) ([]*PeriodicEntry, error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	out := make([]*PeriodicEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		clone := *entry
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memPeriodicBackend) ClaimPeriodic(_ context.Context, name string, next time.Time, lockTTL time.Duration) (bool, error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	entry, ok := m.entries[name]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	if entry.NextRun.After(now) {
		return false, nil
	}
	if until, ok := m.locks[name]; ok && until.After(now) {
		return false, nil
	}
	entry.NextRun = next
	m.locks[name] = now.Add(lockTTL)
	return true, nil
}

func (m *memPeriodicBackend) PrunePeriodic(_ context.Context, keep []string, staleOnly bool) error {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if !staleOnly {
		m.entries = map[string]*PeriodicEntry{}
		return nil
	}
	keepSet := map[string]struct{}{}
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}
	for name := range m.entries {
		if _, ok := keepSet[name]; !ok {
			delete(m.entries, name)
		}
	}
	return nil
}

func periodicConfig() configpkg.PeriodicConfig {
	return configpkg.PeriodicConfig{
		TickInterval: configpkg.Duration(time.Millisecond),
		LockTTL:      configpkg.Duration(time.Second),
		StaleCleanup: configpkg.StaleCleanupStale,
	}
}

func TestNewSchedulerRequiresPeriodicStore(t *testing.T) {
	_, err := NewScheduler(newMemBackend(), periodicConfig(), nil)
	require.Error(t, err, "memBackend has no periodic store")

	_, err = NewScheduler(newMemPeriodicBackend(), periodicConfig(), nil)
	require.NoError(t, err)
}

func TestRegisterPeriodicValidatesSchedule(t *testing.T) {
	s, err := NewScheduler(newMemPeriodicBackend(), periodicConfig(), nil)
	require.NoError(t, err)

	w := funcWorker{name: "report", handle: func(context.Context, argsPayload) error { return nil }}
	assert.Error(t, RegisterPeriodic(s, w, "not a cron", argsPayload{}, ""))
	assert.NoError(t, RegisterPeriodic(s, w, "*/5 * * * *", argsPayload{}, ""))
	assert.NoError(t, RegisterPeriodic(s, w, "@hourly", argsPayload{}, "reports"))
}

func TestPeriodicNameStability(t *testing.T) {
	a := periodicName("w", "@hourly", []byte(`{"a":1}`))
	assert.Equal(t, a, periodicName("w", "@hourly", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, periodicName("w", "@daily", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, periodicName("w", "@hourly", []byte(`{"a":2}`)))
}

func TestSchedulerSyncStaleCleanup(t *testing.T) {
	backend := newMemPeriodicBackend()
	backend.entries["old@1"] = &PeriodicEntry{Name: "old@1", Schedule: "@daily"}

	s, err := NewScheduler(backend, periodicConfig(), nil)
	require.NoError(t, err)
	w := funcWorker{name: "report", handle: func(context.Context, argsPayload) error { return nil }}
	require.NoError(t, RegisterPeriodic(s, w, "@hourly", argsPayload{}, ""))

	require.NoError(t, s.Sync(context.Background()))

	assert.Len(t, backend.entries, 1, "stale entry should be pruned")
	_, stale := backend.entries["old@1"]
	assert.False(t, stale)
}

func TestSchedulerSyncManualKeepsStale(t *testing.T) {
	backend := newMemPeriodicBackend()
	backend.entries["old@1"] = &PeriodicEntry{Name: "old@1", Schedule: "@daily"}

	cfg := periodicConfig()
	cfg.StaleCleanup = configpkg.StaleCleanupManual
	s, err := NewScheduler(backend, cfg, nil)
	require.NoError(t, err)
	w := funcWorker{name: "report", handle: func(context.Context, argsPayload) error { return nil }}
	require.NoError(t, RegisterPeriodic(s, w, "@hourly", argsPayload{}, ""))

	require.NoError(t, s.Sync(context.Background()))
	assert.Len(t, backend.entries, 2, "manual cleanup must not prune")
}

func TestSchedulerTickEnqueuesDueEntries(t *testing.T) {
	backend := newMemPeriodicBackend()
	s, err := NewScheduler(backend, periodicConfig(), nil)
	require.NoError(t, err)

	w := funcWorker{name: "report", handle: func(context.Context, argsPayload) error { return nil }}
	require.NoError(t, RegisterPeriodic(s, w, "* * * * *", argsPayload{Value: "v"}, "reports"))
	require.NoError(t, s.Sync(context.Background()))

	// Force the entry due.
	name := s.entries[0].entry.Name
	backend.pmu.Lock()
	backend.entries[name].NextRun = time.Now().UTC().Add(-time.Minute)
	backend.pmu.Unlock()

	s.tick(context.Background(), time.Second)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.ready, 1)
	job := backend.ready[0]
	assert.Equal(t, "report", job.Worker)
	assert.Equal(t, "reports", job.Queue)
	assert.Equal(t, name, job.Metadata[metadata.KeyPeriodic])
	assert.True(t, job.Periodic())

	// A second tick inside the lock TTL must not double-enqueue.
	backend.mu.Unlock()
	s.tick(context.Background(), time.Second)
	backend.mu.Lock()
	assert.Len(t, backend.ready, 1)
}
