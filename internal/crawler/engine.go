package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/alvmarrod/outbound-weaver/internal/frontier"
	"github.com/alvmarrod/outbound-weaver/internal/liveness"
	"github.com/alvmarrod/outbound-weaver/internal/metrics"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/sirupsen/logrus"
)

// Page outcomes reported in page events
const (
	PageOK         = "ok"
	PageError      = "error"
	PageDisallowed = "disallowed"
)

// Fetcher downloads a page and returns its absolute anchor URLs
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]string, error)
}

// RobotsChecker reports whether a URL may be fetched
type RobotsChecker interface {
	IsAllowed(ctx context.Context, rawURL string) bool
}

// DomainClassifier classifies an outbound host
type DomainClassifier interface {
	Classify(ctx context.Context, domain string) liveness.Result
}

// ResultStore persists liveness verdicts
type ResultStore interface {
	UpsertResult(ctx context.Context, r *storage.Result) error
}

// Options tunes an Engine
type Options struct {
	// PageDelay is the pause after each successful fetch
	PageDelay     func(aggressive bool) time.Duration
	StatsInterval time.Duration
	Collector     *metrics.Collector
}

// BatchSpec describes one bounded invocation
type BatchSpec struct {
	Checkpoint  *storage.Checkpoint
	BatchSize   int
	Concurrency int
	Aggressive  bool
	// Tracker receives batch metrics; one is created when nil
	Tracker *metrics.Tracker
}

// BatchOutcome is the state a batch leaves behind
type BatchOutcome struct {
	Status  storage.Status
	Pending []string
	Visited []string
	// PendingDomains are outbound hosts found but not classified, checked first next batch
	PendingDomains []string
	DomainsChecked int
	PagesFetched   int
	PagesFailed    int
	PagesFiltered  int
	MaxConcurrent  int
	Interrupted    bool
	Metrics        storage.Metrics
}

// Engine runs crawl batches
type Engine struct {
	fetcher    Fetcher
	robots     RobotsChecker
	classifier DomainClassifier
	results    ResultStore
	opts       Options
}

// NewEngine creates an engine from its collaborators
func NewEngine(fetcher Fetcher, robots RobotsChecker, classifier DomainClassifier, results ResultStore, opts Options) *Engine {
	if opts.PageDelay == nil {
		opts.PageDelay = func(bool) time.Duration { return 0 }
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}
	return &Engine{
		fetcher:    fetcher,
		robots:     robots,
		classifier: classifier,
		results:    results,
		opts:       opts,
	}
}

// RunBatch crawls from the checkpoint until the page budget is used, the frontier
// empties or ctx is cancelled. Cancellation is observed between tasks: tasks already
// running finish, tasks never started go back to the head of pending.
func (e *Engine) RunBatch(ctx context.Context, spec BatchSpec, sink events.Sink) (*BatchOutcome, error) {
	cp := spec.Checkpoint
	if cp == nil {
		return nil, errors.New("batch requires a checkpoint")
	}
	if spec.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", spec.BatchSize)
	}
	origin, err := Origin(cp.SeedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", cp.SeedURL, err)
	}

	concurrency := spec.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	tracker := spec.Tracker
	if tracker == nil {
		tracker = metrics.NewTracker(cp.Site, e.opts.Collector)
	}

	b := &batch{
		engine:      e,
		ctx:         ctx,
		site:        cp.Site,
		origin:      origin,
		aggressive:  spec.Aggressive,
		budget:      spec.BatchSize,
		concurrency: concurrency,
		sink:        events.OrDiscard(sink),
		tracker:     tracker,
		frontier:    frontier.New(cp.Pending, cp.Visited),
		carried:     cp.PendingDomains,
	}
	b.domainsChecked.Store(int64(cp.DomainsChecked))

	return b.run(), nil
}

// batch is the working state of one RunBatch call
type batch struct {
	engine      *Engine
	ctx         context.Context
	site        string
	origin      string
	aggressive  bool
	budget      int
	concurrency int
	sink        events.Sink
	tracker     *metrics.Tracker
	frontier    *frontier.Frontier
	sched       *Scheduler

	carried []string

	mu       sync.Mutex
	reserved int
	// deferred holds hosts whose check could not be submitted
	deferred []string

	domainsChecked atomic.Int64
	pagesDone      atomic.Int64
}

func (b *batch) run() *BatchOutcome {
	e := b.engine
	e.opts.Collector.ScanStarted()
	defer e.opts.Collector.ScanFinished()

	logrus.Infof("[%s] Batch starting: %d pending, %d visited, budget %d, %d workers",
		b.site, b.frontier.PendingLen(), b.frontier.VisitedLen(), b.budget, b.concurrency)
	b.emit(events.Event{Type: events.BatchStart, Status: string(storage.StatusRunning)})

	// tasks that already started finish even when the batch is interrupted
	taskCtx := context.WithoutCancel(b.ctx)
	b.sched = NewScheduler(b.concurrency, b.handle, b.onError)

	stats := NewStatsEmitter(e.opts.StatsInterval, b.site, b.sink, b.sample, &b.pagesDone).
		WithProgressLog(b.tracker.LogProgress)
	stats.Start()

	// domains left unchecked by the previous batch go first
	for _, host := range b.carried {
		if b.frontier.MarkOutbound(host) {
			b.submitDomain(host)
		}
	}
	b.pump()
	_ = b.sched.Run(b.ctx, taskCtx)
	stats.Stop()

	// put never-started pages back at the head and keep never-started domain checks,
	// both in their original order
	leftover := b.sched.Stop()
	var pendingDomains []string
	for i := len(leftover) - 1; i >= 0; i-- {
		if leftover[i].Kind == KindPage {
			b.frontier.Requeue(leftover[i].Target)
		}
	}
	for _, t := range leftover {
		if t.Kind == KindDomain {
			pendingDomains = append(pendingDomains, t.Target)
		}
	}
	b.mu.Lock()
	pendingDomains = append(pendingDomains, b.deferred...)
	b.mu.Unlock()
	if len(pendingDomains) > 0 {
		logrus.Infof("[%s] %d domain checks were not started, kept for the next batch", b.site, len(pendingDomains))
	}

	interrupted := b.ctx.Err() != nil
	pending, visited := b.frontier.Snapshot()

	status := storage.StatusPaused
	if len(pending) == 0 && len(pendingDomains) == 0 && !interrupted {
		status = storage.StatusCompleted
	}

	snap := b.tracker.GetSnapshot()
	out := &BatchOutcome{
		Status:         status,
		Pending:        pending,
		Visited:        visited,
		PendingDomains: pendingDomains,
		DomainsChecked: int(b.domainsChecked.Load()),
		PagesFetched:   snap.PagesFetched,
		PagesFailed:    snap.PagesFailed,
		PagesFiltered:  b.frontier.FilteredLen(),
		MaxConcurrent:  b.sched.MaxObserved(),
		Interrupted:    interrupted,
		Metrics:        snap,
	}

	logrus.Infof("[%s] Batch finished (%s): %d pages taken, %d pending, %d visited, %d domains checked, %d outbound hosts under %d roots",
		b.site, status, b.frontier.BatchLen(), len(pending), len(visited), out.DomainsChecked,
		b.frontier.Outbound().Len(), b.frontier.Outbound().Roots())
	return out
}

func (b *batch) emit(ev events.Event) {
	ev.Site = b.site
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.sink.Emit(ev)
}

func (b *batch) sample() events.StatsSnapshot {
	return events.StatsSnapshot{
		Visited:        b.frontier.VisitedLen(),
		Pending:        b.frontier.PendingLen(),
		QueueDepth:     b.sched.QueueDepth(),
		InFlight:       b.sched.InFlight(),
		DomainsChecked: int(b.domainsChecked.Load()),
		Concurrency:    b.concurrency,
	}
}

// pump submits page tasks while the budget allows
func (b *batch) pump() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.reserved < b.budget {
		if b.ctx.Err() != nil {
			return
		}
		u, ok := b.frontier.Take()
		if !ok {
			return
		}
		if !b.sched.Submit(Task{Kind: KindPage, Target: u}) {
			b.frontier.Requeue(u)
			return
		}
		b.reserved++
	}
}

// refund gives back the budget of a page that was never fetched
func (b *batch) refund() {
	b.mu.Lock()
	b.reserved--
	b.mu.Unlock()
}

func (b *batch) handle(ctx context.Context, t Task) error {
	switch t.Kind {
	case KindPage:
		b.page(ctx, t.Target)
	case KindDomain:
		b.domain(ctx, t.Target)
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	return nil
}

func (b *batch) onError(t Task, err error) {
	logrus.WithFields(logrus.Fields{"site": b.site, "kind": t.Kind, "target": t.Target}).Errorf("Task failed: %v", err)

	ev := events.Event{Type: events.Error, Stage: events.StageTask, Error: err.Error()}
	if t.Kind == KindDomain {
		ev.Domain = t.Target
	} else {
		ev.URL = t.Target
	}
	b.emit(ev)
}

func (b *batch) page(ctx context.Context, pageURL string) {
	log := logrus.WithFields(logrus.Fields{"site": b.site, "url": pageURL})

	if !b.engine.robots.IsAllowed(ctx, pageURL) {
		log.Debug("Disallowed by robots.txt")
		b.frontier.Drop(pageURL)
		b.tracker.IncrementPagesDisallowed()
		b.emit(events.Event{Type: events.Page, URL: pageURL, Stage: events.StageRobots, Status: PageDisallowed})
		b.refund()
		b.pump()
		return
	}

	start := time.Now()
	links, err := b.engine.fetcher.Fetch(ctx, pageURL)
	b.tracker.RecordFetchTime(time.Since(start))
	b.pagesDone.Add(1)

	if err != nil {
		log.Warnf("Fetch failed: %v", err)
		b.tracker.IncrementPagesFailed()
		b.emit(events.Event{Type: events.Error, URL: pageURL, Stage: events.StageFetch, Error: err.Error()})
		b.emit(events.Event{Type: events.Page, URL: pageURL, Stage: events.StageFetch, Status: PageError})
		b.pump()
		return
	}
	b.tracker.IncrementPagesFetched()

	internal, outbound := Partition(b.origin, links)
	added := 0
	for _, u := range internal {
		if b.frontier.AddInternal(u) {
			added++
		}
	}
	for _, host := range outbound {
		if b.frontier.MarkOutbound(host) {
			b.submitDomain(host)
		}
	}

	log.Debugf("Fetched: %d links, %d new internal, %d outbound", len(links), added, len(outbound))
	b.emit(events.Event{Type: events.Page, URL: pageURL, Status: PageOK})

	b.pump()
	b.politeness()
}

// submitDomain schedules a domain check, keeping the host for the next batch when the
// scheduler has already stopped
func (b *batch) submitDomain(host string) {
	if b.sched.Submit(Task{Kind: KindDomain, Target: host}) {
		return
	}
	b.mu.Lock()
	b.deferred = append(b.deferred, host)
	b.mu.Unlock()
}

// politeness waits the configured delay unless the batch is interrupted
func (b *batch) politeness() {
	delay := b.engine.opts.PageDelay(b.aggressive)
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-b.ctx.Done():
	}
}

func (b *batch) domain(ctx context.Context, host string) {
	res := b.engine.classifier.Classify(ctx, host)
	b.domainsChecked.Add(1)
	b.tracker.RecordDomain(string(res.Status))

	b.emit(events.Event{
		Type:      events.Domain,
		Domain:    res.Domain,
		Status:    string(res.Status),
		ErrorCode: res.ErrorCode,
		Result: &events.DomainResult{
			Domain:     res.Domain,
			TLD:        res.TLD,
			Status:     string(res.Status),
			ErrorCode:  res.ErrorCode,
			HTTPStatus: res.HTTPStatus,
			Parked:     res.Parked,
		},
	})

	if res.Status != liveness.StatusNoDNS {
		return
	}

	if err := b.engine.results.UpsertResult(ctx, toStoredResult(b.site, res)); err != nil {
		logrus.WithFields(logrus.Fields{"site": b.site, "domain": host}).Errorf("Failed to persist result: %v", err)
		b.emit(events.Event{Type: events.Error, Domain: host, Stage: events.StagePersist, Error: err.Error()})
	}
}

func toStoredResult(site string, res liveness.Result) *storage.Result {
	r := &storage.Result{
		Site:       site,
		Domain:     res.Domain,
		TLD:        res.TLD,
		Status:     string(res.Status),
		ErrorCode:  res.ErrorCode,
		HTTPStatus: res.HTTPStatus,
		FoundAt:    res.CheckedAt,
	}
	if res.ExpiryDate != "" {
		d := res.ExpiryDate
		r.ExpiryDate = &d
	}
	if res.ExpiryReason != "" {
		reason := res.ExpiryReason
		r.ExpiryReason = &reason
	}
	return r
}
