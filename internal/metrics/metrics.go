package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/storage"
)

// Tracker holds and manages the metrics of one batch
type Tracker struct {
	mu               sync.Mutex
	data             storage.Metrics
	totalFetchTimeMs int64
	fetchCount       int
	collector        *Collector
}

// NewTracker creates a new metrics tracker. collector may be nil.
func NewTracker(site string, collector *Collector) *Tracker {
	return &Tracker{
		data: storage.Metrics{
			Site:            site,
			StartTime:       time.Now(),
			DomainsByStatus: make(map[string]int),
		},
		collector: collector,
	}
}

// IncrementPagesFetched increments the successful fetch counter
func (t *Tracker) IncrementPagesFetched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFetched++
	t.collector.page("fetched")
}

// IncrementPagesFailed increments the failed fetch counter
func (t *Tracker) IncrementPagesFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFailed++
	t.collector.page("failed")
}

// IncrementPagesDisallowed increments the robots-disallowed counter
func (t *Tracker) IncrementPagesDisallowed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesDisallowed++
	t.collector.page("disallowed")
}

// RecordDomain counts one classified domain
func (t *Tracker) RecordDomain(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.DomainsChecked++
	t.data.DomainsByStatus[status]++
	t.collector.domain(status)
}

// RecordFetchTime records a page fetch duration
func (t *Tracker) RecordFetchTime(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
	t.collector.fetchDuration(duration)
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Finish stamps the end of the batch and its termination reason
func (t *Tracker) Finish(reason string) storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.collector.batch(reason)
	return t.snapshotLocked()
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Finalize metrics
	if t.data.EndTime.IsZero() {
		t.data.EndTime = time.Now()
	}
	t.data.TerminationReason = reason

	// Marshal to JSON
	jsonData, err := json.MarshalIndent(t.snapshotLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress returns a one-line progress summary for periodic logging
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Pages: %d fetched, %d failed, %d disallowed | Domains: %d checked (%d no-dns)",
		t.data.PagesFetched,
		t.data.PagesFailed,
		t.data.PagesDisallowed,
		t.data.DomainsChecked,
		t.data.DomainsByStatus["no-dns"],
	)
}

func (t *Tracker) snapshotLocked() storage.Metrics {
	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs
	snapshot.DomainsByStatus = make(map[string]int, len(t.data.DomainsByStatus))
	for k, v := range t.data.DomainsByStatus {
		snapshot.DomainsByStatus[k] = v
	}

	// Calculate average fetch time
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}
	return snapshot
}
