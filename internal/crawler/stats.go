package crawler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/sirupsen/logrus"
)

// StatsSource provides a read-only sample of batch state
type StatsSource func() events.StatsSnapshot

// StatsEmitter samples batch progress on a fixed interval and emits stats events
type StatsEmitter struct {
	interval time.Duration
	site     string
	sink     events.Sink
	sample   StatsSource
	pages    *atomic.Int64
	progress func() string

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewStatsEmitter creates an emitter. pages counts completed page tasks and drives the rate.
func NewStatsEmitter(interval time.Duration, site string, sink events.Sink, sample StatsSource, pages *atomic.Int64) *StatsEmitter {
	return &StatsEmitter{
		interval: interval,
		site:     site,
		sink:     events.OrDiscard(sink),
		sample:   sample,
		pages:    pages,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithProgressLog logs the given line on every sample
func (s *StatsEmitter) WithProgressLog(progress func() string) *StatsEmitter {
	s.progress = progress
	return s
}

// Start begins sampling in the background
func (s *StatsEmitter) Start() {
	go s.loop()
}

// Stop ends sampling and waits for the loop to exit (safe to call multiple times)
func (s *StatsEmitter) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
	})
}

func (s *StatsEmitter) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	lastPages := s.pages.Load()
	lastTime := time.Now()

	for {
		select {
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			pages := s.pages.Load()
			snap := s.sample()

			if elapsed := now.Sub(lastTime).Seconds(); elapsed > 0 {
				snap.PagesPerSecond = float64(pages-lastPages) / elapsed
			}
			lastPages, lastTime = pages, now

			s.sink.Emit(events.Event{Type: events.Stats, Site: s.site, Time: now, Stats: &snap})
			if s.progress != nil {
				logrus.Infof("[%s] %s | %.2f pages/s", s.site, s.progress(), snap.PagesPerSecond)
			}
		}
	}
}
