package scan

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/crawler"
	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/alvmarrod/outbound-weaver/internal/gate"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	site = "example.com"
	seed = "https://example.com/"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	cps       map[string]*storage.Checkpoint
	failAfter int
	upserts   int
	deleted   []string
	// afterUpsert runs once a checkpoint write has been stored
	afterUpsert func(cp *storage.Checkpoint)
}

func newMemStore() *memStore {
	return &memStore{cps: make(map[string]*storage.Checkpoint), failAfter: -1}
}

func clone(cp *storage.Checkpoint) *storage.Checkpoint {
	c := *cp
	c.Pending = append([]string(nil), cp.Pending...)
	c.Visited = append([]string(nil), cp.Visited...)
	c.PendingDomains = append([]string(nil), cp.PendingDomains...)
	if cp.NextResumeAt != nil {
		at := *cp.NextResumeAt
		c.NextResumeAt = &at
	}
	return &c
}

func (m *memStore) FindCheckpoint(_ context.Context, site string) (*storage.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[site]
	if !ok {
		return nil, nil
	}
	return clone(cp), nil
}

func (m *memStore) UpsertCheckpoint(_ context.Context, cp *storage.Checkpoint) error {
	m.mu.Lock()
	if m.failAfter >= 0 && m.upserts >= m.failAfter {
		m.mu.Unlock()
		return errors.New("database is locked")
	}
	m.upserts++
	m.cps[cp.Site] = clone(cp)
	hook := m.afterUpsert
	m.mu.Unlock()

	if hook != nil {
		hook(clone(cp))
	}
	return nil
}

func (m *memStore) ListCheckpoints(_ context.Context) ([]*storage.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*storage.Checkpoint, 0, len(m.cps))
	for _, cp := range m.cps {
		out = append(out, clone(cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out, nil
}

func (m *memStore) DeleteCheckpoint(_ context.Context, site string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, site)
	return nil
}

func (m *memStore) DeleteResults(_ context.Context, site string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, site)
	return nil
}

func (m *memStore) get(site string) *storage.Checkpoint {
	cp, _ := m.FindCheckpoint(context.Background(), site)
	return cp
}

type batchFunc func(ctx context.Context, spec crawler.BatchSpec) (*crawler.BatchOutcome, error)

type fakeRunner struct {
	mu    sync.Mutex
	specs []crawler.BatchSpec
	next  batchFunc
}

func (r *fakeRunner) RunBatch(ctx context.Context, spec crawler.BatchSpec, _ events.Sink) (*crawler.BatchOutcome, error) {
	// keep the checkpoint as it was handed in; the service updates it afterwards
	recorded := spec
	recorded.Checkpoint = clone(spec.Checkpoint)

	r.mu.Lock()
	r.specs = append(r.specs, recorded)
	next := r.next
	r.mu.Unlock()
	return next(ctx, spec)
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

// pauseOutcome fetches the head of pending and leaves one page behind
func pauseOutcome(_ context.Context, spec crawler.BatchSpec) (*crawler.BatchOutcome, error) {
	cp := spec.Checkpoint
	return &crawler.BatchOutcome{
		Status:         storage.StatusPaused,
		Pending:        []string{"https://example.com/next"},
		Visited:        append(append([]string(nil), cp.Visited...), cp.Pending[0]),
		DomainsChecked: cp.DomainsChecked + 1,
	}, nil
}

func completeOutcome(_ context.Context, spec crawler.BatchSpec) (*crawler.BatchOutcome, error) {
	cp := spec.Checkpoint
	return &crawler.BatchOutcome{
		Status:  storage.StatusCompleted,
		Pending: []string{},
		Visited: append(append([]string(nil), cp.Visited...), cp.Pending...),
	}, nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

type fakeTimers struct {
	mu    sync.Mutex
	armed []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.armed = append(ft.armed, t)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.armed)
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.armed[len(ft.armed)-1]
}

type fixture struct {
	store  *memStore
	runner *fakeRunner
	timers *fakeTimers
	gate   *gate.LocalGate
	svc    *Service
}

func newFixture(next batchFunc) *fixture {
	f := &fixture{
		store:  newMemStore(),
		runner: &fakeRunner{next: next},
		timers: &fakeTimers{},
		gate:   gate.NewLocalGate(),
	}
	f.svc = NewService(f.store, f.store, f.runner, f.gate, Options{
		BatchSize:    10,
		Concurrency:  2,
		DelayMinutes: 30,
		Now:          func() time.Time { return now },
		AfterFunc:    f.timers.AfterFunc,
	})
	return f
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitIdle(ctx, site))
}

func TestStart_RejectsInvalidSeed(t *testing.T) {
	f := newFixture(completeOutcome)

	for _, seed := range []string{"", "ftp://example.com", "example.com/no-scheme", "https://"} {
		_, err := f.svc.Start(context.Background(), Request{SeedURL: seed}, nil)
		assert.ErrorIs(t, err, ErrInvalidSeed, seed)
	}
	assert.Equal(t, 0, f.runner.calls())
}

func TestStart_RejectsUnknownMode(t *testing.T) {
	f := newFixture(completeOutcome)

	_, err := f.svc.Start(context.Background(), Request{SeedURL: seed, Mode: "restart"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, f.runner.calls())
	assert.False(t, f.gate.Held(site))
}

func TestRun_CarriesUncheckedDomains(t *testing.T) {
	f := newFixture(func(_ context.Context, spec crawler.BatchSpec) (*crawler.BatchOutcome, error) {
		return &crawler.BatchOutcome{
			Status:         storage.StatusPaused,
			Pending:        []string{},
			Visited:        spec.Checkpoint.Pending,
			PendingDomains: []string{"late.org"},
		}, nil
	})

	cp, err := f.svc.Run(context.Background(), Request{SeedURL: seed}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"late.org"}, cp.PendingDomains)

	_, err = f.svc.Run(context.Background(), Request{SeedURL: seed, Mode: ModeResume}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.runner.calls())
	assert.Equal(t, []string{"late.org"}, f.runner.specs[1].Checkpoint.PendingDomains)

	// a new scan starts without them
	_, err = f.svc.Run(context.Background(), Request{SeedURL: seed}, nil)
	require.NoError(t, err)
	assert.Empty(t, f.runner.specs[2].Checkpoint.PendingDomains)
}

func TestRun_NewScanCompletes(t *testing.T) {
	f := newFixture(completeOutcome)
	var rec events.Recorder

	cp, err := f.svc.Run(context.Background(), Request{SeedURL: "HTTPS://Example.com", BatchSize: 5, Concurrency: 4}, &rec)
	require.NoError(t, err)

	assert.Equal(t, site, cp.Site)
	assert.Equal(t, seed, cp.SeedURL)
	assert.Equal(t, storage.StatusCompleted, cp.Status)
	assert.Empty(t, cp.Pending)
	assert.Equal(t, []string{seed}, cp.Visited)
	assert.Equal(t, 4, cp.Concurrency)
	assert.Nil(t, cp.NextResumeAt)

	require.Len(t, f.runner.specs, 1)
	spec := f.runner.specs[0]
	assert.Equal(t, 5, spec.BatchSize)
	assert.Equal(t, 4, spec.Concurrency)
	assert.Equal(t, []string{seed}, spec.Checkpoint.Pending)
	assert.NotNil(t, spec.Tracker)

	assert.Len(t, rec.OfType(events.Done), 1)
	assert.False(t, f.gate.Held(site))
	assert.Equal(t, 0, f.timers.count())
}

func TestRun_NewModeReplacesPreviousState(t *testing.T) {
	f := newFixture(completeOutcome)
	require.NoError(t, f.store.UpsertCheckpoint(context.Background(), &storage.Checkpoint{
		Site: site, SeedURL: seed, Status: storage.StatusPaused,
		Pending: []string{"https://example.com/old"}, Visited: []string{seed}, DomainsChecked: 9,
	}))

	_, err := f.svc.Run(context.Background(), Request{SeedURL: seed, Mode: ModeNew}, nil)
	require.NoError(t, err)

	spec := f.runner.specs[0]
	assert.Equal(t, []string{seed}, spec.Checkpoint.Pending)
	assert.Empty(t, spec.Checkpoint.Visited)
	assert.Zero(t, spec.Checkpoint.DomainsChecked)
	assert.Equal(t, []string{site}, f.store.deleted)
}

func TestRun_ResumeContinuesFromCheckpoint(t *testing.T) {
	f := newFixture(pauseOutcome)
	require.NoError(t, f.store.UpsertCheckpoint(context.Background(), &storage.Checkpoint{
		Site: site, SeedURL: seed, Status: storage.StatusPaused,
		Pending: []string{"https://example.com/b", "https://example.com/c"}, Visited: []string{seed}, DomainsChecked: 3,
	}))

	cp, err := f.svc.Run(context.Background(), Request{SeedURL: seed, Mode: ModeResume}, nil)
	require.NoError(t, err)

	spec := f.runner.specs[0]
	assert.Equal(t, []string{"https://example.com/b", "https://example.com/c"}, spec.Checkpoint.Pending)
	assert.Equal(t, []string{seed}, spec.Checkpoint.Visited)
	assert.Equal(t, 10, spec.BatchSize, "service default")

	assert.Equal(t, storage.StatusPaused, cp.Status)
	assert.Equal(t, []string{seed, "https://example.com/b"}, cp.Visited)
	assert.Equal(t, 4, cp.DomainsChecked)
	assert.Nil(t, cp.NextResumeAt, "auto-resume is off")
}

func TestRun_ResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(completeOutcome)

	_, err := f.svc.Run(context.Background(), Request{SeedURL: seed, Mode: ModeResume}, nil)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	assert.False(t, f.gate.Held(site))
	assert.False(t, f.svc.Running(site))
}

func TestAutoResume_DecrementsAndStops(t *testing.T) {
	f := newFixture(nil)
	var seen []*storage.Checkpoint
	f.runner.next = func(ctx context.Context, spec crawler.BatchSpec) (*crawler.BatchOutcome, error) {
		seen = append(seen, f.store.get(site))
		return pauseOutcome(ctx, spec)
	}
	var rec events.Recorder

	cp, err := f.svc.Run(context.Background(), Request{
		SeedURL: seed, AutoResume: true, DelayMinutes: 1, Repeat: 2, BatchSize: 7, Aggressive: true,
	}, &rec)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusPaused, cp.Status)
	require.NotNil(t, cp.NextResumeAt)
	assert.Equal(t, now.Add(time.Minute), *cp.NextResumeAt)
	require.Equal(t, 1, f.timers.count())
	assert.Equal(t, time.Minute, f.timers.last().d)
	at, ok := f.svc.Scheduled(site)
	assert.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), at)

	scheduled := rec.OfType(events.ResumeScheduled)
	require.Len(t, scheduled, 1)
	require.NotNil(t, scheduled[0].ResumeAt)

	// first resume
	f.timers.last().f()
	require.Len(t, seen, 2)
	assert.Equal(t, storage.StatusRunning, seen[1].Status)
	assert.Equal(t, 1, seen[1].AutoResume.Remaining)
	assert.Equal(t, 7, f.runner.specs[1].BatchSize)
	assert.True(t, f.runner.specs[1].Aggressive)
	require.Equal(t, 2, f.timers.count(), "one resume left")

	// second and last resume
	f.timers.last().f()
	require.Len(t, seen, 3)
	assert.Equal(t, 0, seen[2].AutoResume.Remaining)
	assert.Equal(t, 2, f.timers.count(), "no resumes left")

	final := f.store.get(site)
	assert.Equal(t, storage.StatusPaused, final.Status)
	assert.Nil(t, final.NextResumeAt)
	assert.Len(t, rec.OfType(events.Resumed), 2)
	_, ok = f.svc.Scheduled(site)
	assert.False(t, ok)
}

func TestAutoResume_UnboundedKeepsCounter(t *testing.T) {
	f := newFixture(pauseOutcome)

	_, err := f.svc.Run(context.Background(), Request{SeedURL: seed, AutoResume: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, f.timers.last().d, "service default delay")

	f.timers.last().f()
	cp := f.store.get(site)
	assert.True(t, cp.AutoResume.Unbounded())
	assert.Equal(t, 2, f.timers.count())
}

func TestAutoResume_CompletedScanIsNotRescheduled(t *testing.T) {
	f := newFixture(completeOutcome)

	cp, err := f.svc.Run(context.Background(), Request{SeedURL: seed, AutoResume: true, Repeat: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, cp.Status)
	assert.Nil(t, cp.NextResumeAt)
	assert.Equal(t, 0, f.timers.count())
}

// blockingRunner waits for cancellation and reports the batch as interrupted
func blockingRunner(started chan<- struct{}) batchFunc {
	return func(ctx context.Context, spec crawler.BatchSpec) (*crawler.BatchOutcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return &crawler.BatchOutcome{
			Status:      storage.StatusPaused,
			Pending:     spec.Checkpoint.Pending,
			Visited:     spec.Checkpoint.Visited,
			Interrupted: true,
		}, nil
	}
}

func TestInterrupt_RunningScanPausesAndDisablesAutoResume(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(blockingRunner(started))
	var rec events.Recorder

	cp, err := f.svc.Start(context.Background(), Request{SeedURL: seed, AutoResume: true, Repeat: 5}, &rec)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, cp.Status)
	<-started

	assert.True(t, f.svc.Running(site))
	assert.Equal(t, storage.StatusRunning, f.store.get(site).Status)

	_, err = f.svc.Start(context.Background(), Request{SeedURL: seed}, nil)
	assert.ErrorIs(t, err, ErrScanActive)

	require.NoError(t, f.svc.Interrupt(context.Background(), site))
	waitIdle(t, f.svc)

	final := f.store.get(site)
	assert.Equal(t, storage.StatusPaused, final.Status)
	assert.False(t, final.AutoResume.Enabled)
	assert.Nil(t, final.NextResumeAt)
	assert.Equal(t, 0, f.timers.count())
	assert.Len(t, rec.OfType(events.Interrupted), 1)
	assert.False(t, f.gate.Held(site))
}

func TestInterrupt_CancelsScheduledResume(t *testing.T) {
	f := newFixture(pauseOutcome)
	var rec events.Recorder

	_, err := f.svc.Run(context.Background(), Request{SeedURL: seed, AutoResume: true}, &rec)
	require.NoError(t, err)
	timer := f.timers.last()

	require.NoError(t, f.svc.Interrupt(context.Background(), site))
	assert.True(t, timer.stopped)

	cp := f.store.get(site)
	assert.False(t, cp.AutoResume.Enabled)
	assert.Nil(t, cp.NextResumeAt)
	assert.Len(t, rec.OfType(events.Interrupted), 1)

	// a timer that already fired finds nothing to do
	timer.f()
	assert.Equal(t, 1, f.runner.calls())
}

func TestInterrupt_DuringCheckpointWriteWins(t *testing.T) {
	f := newFixture(pauseOutcome)
	var rec events.Recorder
	var once sync.Once
	f.store.afterUpsert = func(cp *storage.Checkpoint) {
		if cp.Status != storage.StatusPaused {
			return
		}
		once.Do(func() {
			assert.NoError(t, f.svc.Interrupt(context.Background(), site))
		})
	}

	cp, err := f.svc.Run(context.Background(), Request{SeedURL: seed, AutoResume: true, DelayMinutes: 1}, &rec)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusPaused, cp.Status)
	assert.False(t, cp.AutoResume.Enabled)
	assert.Nil(t, cp.NextResumeAt)
	assert.Equal(t, 0, f.timers.count())
	_, ok := f.svc.Scheduled(site)
	assert.False(t, ok)
	assert.Len(t, rec.OfType(events.Interrupted), 1)
	assert.Empty(t, rec.OfType(events.ResumeScheduled))
	assert.False(t, f.svc.Running(site))
}

func TestInterrupt_AfterCheckpointWrittenDisablesResume(t *testing.T) {
	f := newFixture(pauseOutcome)
	var rec events.Recorder
	var once sync.Once
	sink := events.SinkFunc(func(ev events.Event) {
		rec.Emit(ev)
		if ev.Type != events.Paused {
			return
		}
		once.Do(func() {
			assert.NoError(t, f.svc.Interrupt(context.Background(), site))
		})
	})

	cp, err := f.svc.Run(context.Background(), Request{SeedURL: seed, AutoResume: true, DelayMinutes: 1}, sink)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusPaused, cp.Status)
	assert.False(t, cp.AutoResume.Enabled)
	assert.Nil(t, cp.NextResumeAt)
	assert.Equal(t, 0, f.timers.count())
	_, ok := f.svc.Scheduled(site)
	assert.False(t, ok)
	assert.Len(t, rec.OfType(events.Interrupted), 1)
}

func TestInterrupt_UnknownSite(t *testing.T) {
	f := newFixture(completeOutcome)
	assert.ErrorIs(t, f.svc.Interrupt(context.Background(), "nowhere.org"), ErrNoCheckpoint)
}

func TestRun_ContextCancelInterrupts(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(blockingRunner(started))
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-started
		cancel()
	}()

	cp, err := f.svc.Run(ctx, Request{SeedURL: seed, AutoResume: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, cp.Status)
	assert.False(t, cp.AutoResume.Enabled)
}

func TestStart_GateHeldElsewhere(t *testing.T) {
	f := newFixture(completeOutcome)
	release, err := f.gate.Acquire(context.Background(), site)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Start(context.Background(), Request{SeedURL: seed}, nil)
	assert.ErrorIs(t, err, ErrScanActive)
	assert.Nil(t, f.store.get(site))
}

func TestRun_CheckpointWriteFailure(t *testing.T) {
	f := newFixture(completeOutcome)
	f.store.failAfter = 1
	var rec events.Recorder

	_, err := f.svc.Run(context.Background(), Request{SeedURL: seed}, &rec)
	require.Error(t, err)

	errs := rec.OfType(events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, events.StageCheckpoint, errs[0].Stage)
	assert.Equal(t, storage.StatusRunning, f.store.get(site).Status, "last persisted state is kept")
	assert.False(t, f.svc.Running(site))
	assert.False(t, f.gate.Held(site))
}

func TestRun_BatchErrorPausesScan(t *testing.T) {
	f := newFixture(func(context.Context, crawler.BatchSpec) (*crawler.BatchOutcome, error) {
		return nil, errors.New("invalid seed url")
	})
	var rec events.Recorder

	_, err := f.svc.Run(context.Background(), Request{SeedURL: seed, AutoResume: true}, &rec)
	require.Error(t, err)

	cp := f.store.get(site)
	assert.Equal(t, storage.StatusPaused, cp.Status)
	assert.Equal(t, "invalid seed url", cp.LastError)
	assert.Len(t, rec.OfType(events.Error), 1)
	assert.Equal(t, 0, f.timers.count())
}

func TestRecover(t *testing.T) {
	f := newFixture(pauseOutcome)
	ctx := context.Background()
	overdue := now.Add(-time.Hour)
	later := now.Add(10 * time.Minute)

	for _, cp := range []*storage.Checkpoint{
		{Site: "crashed.org", SeedURL: "https://crashed.org/", Status: storage.StatusRunning,
			AutoResume: storage.AutoResume{Enabled: true, DelayMinutes: 5, Remaining: 2}},
		{Site: "overdue.org", SeedURL: "https://overdue.org/", Status: storage.StatusPaused, NextResumeAt: &overdue,
			AutoResume: storage.AutoResume{Enabled: true, DelayMinutes: 5, Remaining: -1}},
		{Site: "later.org", SeedURL: "https://later.org/", Status: storage.StatusPaused, NextResumeAt: &later,
			AutoResume: storage.AutoResume{Enabled: true, DelayMinutes: 5, Remaining: 1}},
		{Site: "manual.org", SeedURL: "https://manual.org/", Status: storage.StatusRunning},
		{Site: "done.org", SeedURL: "https://done.org/", Status: storage.StatusCompleted},
	} {
		require.NoError(t, f.store.UpsertCheckpoint(ctx, cp))
	}

	armed, err := f.svc.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, armed)

	delays := map[time.Duration]bool{}
	for _, timer := range f.timers.armed {
		delays[timer.d] = true
	}
	assert.Equal(t, map[time.Duration]bool{5 * time.Minute: true, 0: true, 10 * time.Minute: true}, delays)

	crashed := f.store.get("crashed.org")
	assert.Equal(t, storage.StatusPaused, crashed.Status)
	require.NotNil(t, crashed.NextResumeAt)
	assert.Equal(t, now.Add(5*time.Minute), *crashed.NextResumeAt)

	assert.Equal(t, storage.StatusPaused, f.store.get("manual.org").Status)
	assert.Equal(t, storage.StatusCompleted, f.store.get("done.org").Status)
}

func TestDelete(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(blockingRunner(started))
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Delete(ctx, site), ErrNoCheckpoint)

	_, err := f.svc.Start(ctx, Request{SeedURL: seed}, nil)
	require.NoError(t, err)
	<-started
	assert.ErrorIs(t, f.svc.Delete(ctx, site), ErrScanActive)

	require.NoError(t, f.svc.Interrupt(ctx, site))
	waitIdle(t, f.svc)

	require.NoError(t, f.svc.Delete(ctx, site))
	assert.Nil(t, f.store.get(site))
	// once for the new scan, once for the delete
	assert.Equal(t, []string{site, site}, f.store.deleted)

	_, err = f.svc.Get(ctx, site)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestShutdown_KeepsResumeForRecover(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(blockingRunner(started))

	_, err := f.svc.Start(context.Background(), Request{SeedURL: seed, AutoResume: true, DelayMinutes: 2}, nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	cp := f.store.get(site)
	assert.Equal(t, storage.StatusPaused, cp.Status)
	assert.True(t, cp.AutoResume.Enabled)
	require.NotNil(t, cp.NextResumeAt)
	assert.Equal(t, now.Add(2*time.Minute), *cp.NextResumeAt)
	assert.Equal(t, 0, f.timers.count(), "nothing is armed while shutting down")

	_, err = f.svc.Start(context.Background(), Request{SeedURL: seed}, nil)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	f := newFixture(completeOutcome)
	_, err := f.svc.Run(context.Background(), Request{SeedURL: seed}, nil)
	require.NoError(t, err)
	_, err = f.svc.Run(context.Background(), Request{SeedURL: "https://other.org"}, nil)
	require.NoError(t, err)

	cps, err := f.svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, site, cps[0].Site)
	assert.Equal(t, "other.org", cps[1].Site)
}
