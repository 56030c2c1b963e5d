// Package scan owns the lifecycle of a site's scan: starting or resuming it, running
// one batch at a time, writing the checkpoint after each batch and scheduling the
// automatic continuation of paused scans.
//
// States are idle, running, paused and completed. A paused scan with auto-resume
// enabled and resumes left gets a persisted NextResumeAt and an in-process timer; the
// timer is re-derived from NextResumeAt by Recover after a restart. An explicit
// interrupt always wins over a scheduled continuation.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/crawler"
	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/alvmarrod/outbound-weaver/internal/gate"
	"github.com/alvmarrod/outbound-weaver/internal/metrics"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidSeed is returned when the seed is not an absolute http(s) URL
	ErrInvalidSeed = errors.New("invalid seed url")
	// ErrInvalidRequest is returned for request fields other than the seed that cannot be used
	ErrInvalidRequest = errors.New("invalid scan request")
	// ErrScanActive is returned when the site already has a running batch
	ErrScanActive = errors.New("scan already active for site")
	// ErrNoCheckpoint is returned when a site has no persisted scan
	ErrNoCheckpoint = errors.New("no checkpoint for site")
)

// Mode selects how Start treats existing state
type Mode string

const (
	// ModeNew discards the previous checkpoint and starts from the seed
	ModeNew Mode = "new"
	// ModeResume continues from the persisted pending and visited sets
	ModeResume Mode = "resume"
)

// Unbounded is the Repeat value for auto-resume without a limit
const Unbounded = -1

// CheckpointStore persists one checkpoint per site
type CheckpointStore interface {
	FindCheckpoint(ctx context.Context, site string) (*storage.Checkpoint, error)
	UpsertCheckpoint(ctx context.Context, cp *storage.Checkpoint) error
	ListCheckpoints(ctx context.Context) ([]*storage.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, site string) error
}

// ResultStore discards the stored results of a site
type ResultStore interface {
	DeleteResults(ctx context.Context, site string) error
}

// BatchRunner runs one bounded crawl batch
type BatchRunner interface {
	RunBatch(ctx context.Context, spec crawler.BatchSpec, sink events.Sink) (*crawler.BatchOutcome, error)
}

// Request asks for a scan to start or resume
type Request struct {
	SeedURL     string `json:"seed_url"`
	Mode        Mode   `json:"mode"`
	BatchSize   int    `json:"batch_size"`
	Concurrency int    `json:"concurrency"`
	Aggressive  bool   `json:"aggressive"`
	AutoResume  bool   `json:"auto_resume"`
	// DelayMinutes before an automatic resume; 0 uses the configured default
	DelayMinutes int `json:"delay_minutes"`
	// Repeat is the number of automatic resumes; 0 or Unbounded means no limit
	Repeat int `json:"repeat"`
}

// AfterFunc schedules f after d and returns a function that cancels it
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Options holds service defaults and hooks
type Options struct {
	BatchSize    int
	Concurrency  int
	DelayMinutes int
	MetricsPath  string
	Collector    *metrics.Collector
	Now          func() time.Time
	AfterFunc    AfterFunc
}

// Service runs and schedules scans
type Service struct {
	store   CheckpointStore
	results ResultStore
	runner  BatchRunner
	gate    gate.Gate
	opts    Options

	mu      sync.Mutex
	active  map[string]*run
	timers  map[string]*resumeTimer
	sinks   map[string]events.Sink
	changed chan struct{}
	closing bool
}

// run is a batch in progress
type run struct {
	cancel      context.CancelFunc
	interrupted bool
	// sealed is set once the final checkpoint is written
	sealed bool
}

// NewService creates a scan service
func NewService(store CheckpointStore, results ResultStore, runner BatchRunner, g gate.Gate, opts Options) *Service {
	if opts.BatchSize < 1 {
		opts.BatchSize = 200
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 3
	}
	if opts.DelayMinutes < 0 {
		opts.DelayMinutes = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if g == nil {
		g = gate.NewLocalGate()
	}

	return &Service{
		store:   store,
		results: results,
		runner:  runner,
		gate:    g,
		opts:    opts,
		active:  make(map[string]*run),
		timers:  make(map[string]*resumeTimer),
		sinks:   make(map[string]events.Sink),
		changed: make(chan struct{}),
	}
}

// SiteOf returns the site identity (lowercase hostname) of a seed URL
func SiteOf(seedURL string) (string, error) {
	site, err := crawler.ExtractDomain(seedURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return site, nil
}

// Start prepares the checkpoint and runs the first batch in the background.
// The returned checkpoint is the one persisted as running.
func (s *Service) Start(ctx context.Context, req Request, sink events.Sink) (*storage.Checkpoint, error) {
	job, err := s.begin(ctx, req, sink)
	if err != nil {
		return nil, err
	}
	snapshot := *job.cp
	go s.execute(job)
	return &snapshot, nil
}

// Run is Start that blocks until the first batch finishes and returns the final
// checkpoint. Cancelling ctx interrupts the batch.
func (s *Service) Run(ctx context.Context, req Request, sink events.Sink) (*storage.Checkpoint, error) {
	job, err := s.begin(ctx, req, sink)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { s.interruptRun(job.site) })
	defer stop()

	if err := s.execute(job); err != nil {
		return nil, err
	}
	return s.Get(context.WithoutCancel(ctx), job.site)
}

// job is a prepared batch
type job struct {
	site       string
	cp         *storage.Checkpoint
	batchSize  int
	aggressive bool
	sink       events.Sink
	run        *run
	ctx        context.Context
	release    func()
}

func (s *Service) begin(ctx context.Context, req Request, sink events.Sink) (*job, error) {
	seed, err := crawler.Normalize(req.SeedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	site, err := SiteOf(seed)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeNew
	}
	if mode != ModeNew && mode != ModeResume {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}

	sink = events.OrDiscard(sink)
	j, err := s.claim(ctx, site, sink)
	if err != nil {
		return nil, err
	}

	cp, err := s.prepare(ctx, site, seed, mode, req)
	if err != nil {
		s.abandon(j)
		return nil, err
	}
	j.cp = cp
	j.batchSize = cp.AutoResume.BatchSize
	j.aggressive = cp.AutoResume.Aggressive

	if mode == ModeNew {
		if err := s.results.DeleteResults(ctx, site); err != nil {
			s.abandon(j)
			emit(sink, site, events.Event{Type: events.Error, Stage: events.StagePersist, Error: err.Error()})
			return nil, fmt.Errorf("failed to discard previous results: %w", err)
		}
	}

	if err := s.store.UpsertCheckpoint(ctx, cp); err != nil {
		s.abandon(j)
		emit(sink, site, events.Event{Type: events.Error, Stage: events.StageCheckpoint, Error: err.Error()})
		return nil, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	logrus.Infof("[%s] Scan started (mode %s, batch %d, concurrency %d, auto-resume %t)",
		site, mode, j.batchSize, cp.Concurrency, cp.AutoResume.Enabled)
	return j, nil
}

// claim takes the site gate and registers the run
func (s *Service) claim(ctx context.Context, site string, sink events.Sink) (*job, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, errors.New("scan service is shutting down")
	}
	if s.active[site] != nil {
		s.mu.Unlock()
		return nil, ErrScanActive
	}
	s.mu.Unlock()

	release, err := s.gate.Acquire(ctx, site)
	if errors.Is(err, gate.ErrLocked) {
		return nil, ErrScanActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire site gate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[site] != nil {
		release()
		return nil, ErrScanActive
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel}
	s.active[site] = r
	s.sinks[site] = sink
	if t, ok := s.timers[site]; ok {
		t.stop()
		delete(s.timers, site)
	}
	s.notifyLocked()

	return &job{site: site, sink: sink, run: r, ctx: runCtx, release: release}, nil
}

// abandon undoes claim for a run that never started
func (s *Service) abandon(j *job) {
	s.mu.Lock()
	j.run.cancel()
	delete(s.active, j.site)
	s.notifyLocked()
	s.mu.Unlock()
	j.release()
}

func (s *Service) prepare(ctx context.Context, site, seed string, mode Mode, req Request) (*storage.Checkpoint, error) {
	batchSize := req.BatchSize
	if batchSize < 1 {
		batchSize = s.opts.BatchSize
	}
	concurrency := req.Concurrency
	if concurrency < 1 {
		concurrency = s.opts.Concurrency
	}
	delay := req.DelayMinutes
	if delay < 1 {
		delay = s.opts.DelayMinutes
	}
	remaining := req.Repeat
	if remaining <= 0 {
		remaining = Unbounded
	}

	var cp *storage.Checkpoint
	switch mode {
	case ModeNew:
		// the upsert replaces the stored checkpoint, begin discards the results
		cp = &storage.Checkpoint{
			Site:    site,
			SeedURL: seed,
			Pending: []string{seed},
			Visited: []string{},
		}
	case ModeResume:
		existing, err := s.store.FindCheckpoint(ctx, site)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, site)
		}
		cp = existing
	}

	cp.Status = storage.StatusRunning
	cp.Concurrency = concurrency
	cp.AutoResume = storage.AutoResume{
		Enabled:      req.AutoResume,
		DelayMinutes: delay,
		Remaining:    remaining,
		BatchSize:    batchSize,
		Aggressive:   req.Aggressive,
	}
	cp.NextResumeAt = nil
	cp.LastError = ""
	return cp, nil
}

// execute runs one batch and writes its checkpoint. It always releases the run.
func (s *Service) execute(j *job) error {
	tracker := metrics.NewTracker(j.site, s.opts.Collector)
	out, runErr := s.runner.RunBatch(j.ctx, crawler.BatchSpec{
		Checkpoint:  j.cp,
		BatchSize:   j.batchSize,
		Concurrency: j.cp.Concurrency,
		Aggressive:  j.aggressive,
		Tracker:     tracker,
	}, j.sink)

	s.mu.Lock()
	interrupted := j.run.interrupted
	s.mu.Unlock()

	cp := j.cp
	resumeAt, err := s.settle(cp, out, runErr, interrupted)
	for {
		if perr := s.store.UpsertCheckpoint(context.Background(), cp); perr != nil {
			logrus.Errorf("[%s] Failed to persist checkpoint: %v", j.site, perr)
			emit(j.sink, j.site, events.Event{Type: events.Error, Stage: events.StageCheckpoint, Error: perr.Error()})
			s.finish(j, nil)
			return fmt.Errorf("failed to persist checkpoint: %w", perr)
		}
		if s.seal(j, interrupted) {
			break
		}

		// interrupted while the checkpoint was being written
		interrupted = true
		resumeAt = nil
		cp.AutoResume.Enabled = false
		cp.NextResumeAt = nil
		logrus.Infof("[%s] Interrupt arrived during checkpoint, auto-resume disabled", j.site)
	}

	reason := string(cp.Status)
	if interrupted {
		reason = "interrupted"
	}
	tracker.Finish(reason)
	if s.opts.MetricsPath != "" {
		if werr := tracker.WriteToFile(s.opts.MetricsPath, reason); werr != nil {
			logrus.Warnf("[%s] %v", j.site, werr)
		}
	}

	switch {
	case err != nil:
		emit(j.sink, j.site, events.Event{Type: events.Error, Stage: events.StageTask, Error: err.Error()})
		emit(j.sink, j.site, events.Event{Type: events.Paused, Status: string(cp.Status)})
	case interrupted:
		emit(j.sink, j.site, events.Event{Type: events.Interrupted, Status: string(cp.Status)})
		if cp.Status == storage.StatusPaused {
			emit(j.sink, j.site, events.Event{Type: events.Paused, Status: string(cp.Status)})
		}
	case cp.Status == storage.StatusCompleted:
		emit(j.sink, j.site, events.Event{Type: events.Done, Status: string(cp.Status)})
	default:
		emit(j.sink, j.site, events.Event{Type: events.Paused, Status: string(cp.Status)})
	}
	if resumeAt != nil {
		emit(j.sink, j.site, events.Event{Type: events.ResumeScheduled, Status: string(cp.Status), ResumeAt: resumeAt})
	}

	logrus.Infof("[%s] Batch checkpointed as %s: %d pending, %d visited, %d domains checked",
		j.site, cp.Status, len(cp.Pending), len(cp.Visited), cp.DomainsChecked)

	s.finish(j, resumeAt)
	return err
}

// settle folds a batch outcome into the checkpoint and decides the next resume time
func (s *Service) settle(cp *storage.Checkpoint, out *crawler.BatchOutcome, runErr error, interrupted bool) (*time.Time, error) {
	cp.NextResumeAt = nil

	if runErr != nil {
		cp.Status = storage.StatusPaused
		cp.LastError = runErr.Error()
		return nil, fmt.Errorf("batch failed: %w", runErr)
	}

	cp.Pending = out.Pending
	cp.Visited = out.Visited
	cp.PendingDomains = out.PendingDomains
	cp.DomainsChecked = out.DomainsChecked
	cp.Status = out.Status

	if interrupted {
		cp.Status = storage.StatusPaused
		cp.AutoResume.Enabled = false
		return nil, nil
	}
	if cp.Status != storage.StatusPaused {
		return nil, nil
	}
	if !cp.AutoResume.Enabled || cp.AutoResume.Remaining == 0 {
		return nil, nil
	}

	at := s.opts.Now().Add(time.Duration(cp.AutoResume.DelayMinutes) * time.Minute).UTC()
	cp.NextResumeAt = &at
	return &at, nil
}

// seal marks the checkpoint of a run as final. It returns false when an interrupt was
// flagged after the checkpoint was settled without one, so the caller rewrites it.
func (s *Service) seal(j *job, interrupted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.run.interrupted && !interrupted {
		return false
	}
	j.run.sealed = true
	return true
}

// finish unregisters the run, releases the gate and arms the next resume. A run
// interrupted after it was sealed gets no resume: Interrupt already disabled it in
// the stored checkpoint.
func (s *Service) finish(j *job, resumeAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.run.cancel()
	delete(s.active, j.site)
	j.release()
	if resumeAt != nil && !j.run.interrupted && !s.closing {
		s.armLocked(j.site, *resumeAt)
	}
	s.notifyLocked()
}

// Interrupt stops a running batch after its current tasks, or cancels a scheduled
// resume. Either way auto-resume ends up disabled in the checkpoint.
func (s *Service) Interrupt(ctx context.Context, site string) error {
	if s.interruptRun(site) {
		logrus.Infof("[%s] Interrupt requested", site)
		return nil
	}

	s.mu.Lock()
	if t, ok := s.timers[site]; ok {
		t.stop()
		delete(s.timers, site)
		s.notifyLocked()
	}
	sink := events.OrDiscard(s.sinks[site])
	s.mu.Unlock()

	cp, err := s.store.FindCheckpoint(ctx, site)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, site)
	}
	if !cp.AutoResume.Enabled && cp.NextResumeAt == nil {
		return nil
	}

	cp.AutoResume.Enabled = false
	cp.NextResumeAt = nil
	if err := s.store.UpsertCheckpoint(ctx, cp); err != nil {
		emit(sink, site, events.Event{Type: events.Error, Stage: events.StageCheckpoint, Error: err.Error()})
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	logrus.Infof("[%s] Scheduled resume cancelled", site)
	emit(sink, site, events.Event{Type: events.Interrupted, Status: string(cp.Status)})
	return nil
}

// interruptRun flags and cancels a running batch of this process
func (s *Service) interruptRun(site string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active[site]
	if r == nil {
		return false
	}
	r.interrupted = true
	r.cancel()
	// a sealed checkpoint is already written; the caller disables it in the store
	return !r.sealed
}

// Get returns the checkpoint of a site
func (s *Service) Get(ctx context.Context, site string) (*storage.Checkpoint, error) {
	cp, err := s.store.FindCheckpoint(ctx, site)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, site)
	}
	return cp, nil
}

// List returns every checkpoint
func (s *Service) List(ctx context.Context) ([]*storage.Checkpoint, error) {
	return s.store.ListCheckpoints(ctx)
}

// Delete removes a site's checkpoint and results. A running site cannot be deleted.
func (s *Service) Delete(ctx context.Context, site string) error {
	s.mu.Lock()
	if s.active[site] != nil {
		s.mu.Unlock()
		return ErrScanActive
	}
	if t, ok := s.timers[site]; ok {
		t.stop()
		delete(s.timers, site)
	}
	delete(s.sinks, site)
	s.notifyLocked()
	s.mu.Unlock()

	cp, err := s.store.FindCheckpoint(ctx, site)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, site)
	}
	if err := s.store.DeleteCheckpoint(ctx, site); err != nil {
		return err
	}
	if err := s.results.DeleteResults(ctx, site); err != nil {
		return err
	}

	logrus.Infof("[%s] Scan deleted", site)
	return nil
}

// Running reports whether a batch is executing for the site in this process
func (s *Service) Running(site string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[site] != nil
}

// Scheduled returns the time of the automatic resume armed for the site, if any
func (s *Service) Scheduled(site string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[site]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

// WaitIdle blocks until the site has neither a running batch nor an armed resume
func (s *Service) WaitIdle(ctx context.Context, site string) error {
	for {
		s.mu.Lock()
		_, scheduled := s.timers[site]
		if s.active[site] == nil && !scheduled {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Shutdown stops every timer and cancels running batches without disabling their
// auto-resume; the persisted NextResumeAt lets Recover pick them up again.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for site, t := range s.timers {
		t.stop()
		delete(s.timers, site)
	}
	for _, r := range s.active {
		r.cancel()
	}
	s.notifyLocked()
	s.mu.Unlock()

	for {
		s.mu.Lock()
		n := len(s.active)
		ch := s.changed
		s.mu.Unlock()
		if n == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%d scans still running: %w", n, ctx.Err())
		case <-ch:
		}
	}
}

// notifyLocked wakes WaitIdle and Shutdown callers
func (s *Service) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func emit(sink events.Sink, site string, ev events.Event) {
	ev.Site = site
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	sink.Emit(ev)
}
