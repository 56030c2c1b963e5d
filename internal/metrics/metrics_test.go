package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Counts(t *testing.T) {
	tr := NewTracker("example.com", nil)

	tr.IncrementPagesFetched()
	tr.IncrementPagesFetched()
	tr.IncrementPagesFailed()
	tr.IncrementPagesDisallowed()
	tr.RecordDomain("ok")
	tr.RecordDomain("no-dns")
	tr.RecordFetchTime(100 * time.Millisecond)
	tr.RecordFetchTime(300 * time.Millisecond)

	snap := tr.GetSnapshot()
	assert.Equal(t, "example.com", snap.Site)
	assert.Equal(t, 2, snap.PagesFetched)
	assert.Equal(t, 1, snap.PagesFailed)
	assert.Equal(t, 1, snap.PagesDisallowed)
	assert.Equal(t, 2, snap.DomainsChecked)
	assert.Equal(t, 1, snap.DomainsByStatus["no-dns"])
	assert.Equal(t, int64(400), snap.TotalFetchTimeMs)
	assert.Equal(t, int64(200), snap.AvgFetchTimeMs)

	// snapshots do not alias the tracker's map
	snap.DomainsByStatus["ok"] = 99
	assert.Equal(t, 1, tr.GetSnapshot().DomainsByStatus["ok"])

	assert.Contains(t, tr.LogProgress(), "Pages: 2 fetched, 1 failed, 1 disallowed")
}

func TestTracker_WriteToFile(t *testing.T) {
	tr := NewTracker("example.com", nil)
	tr.IncrementPagesFetched()

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, tr.WriteToFile(path, "paused"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var m storage.Metrics
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "paused", m.TerminationReason)
	assert.Equal(t, 1, m.PagesFetched)
	assert.False(t, m.EndTime.IsZero())
}

// value reads a counter or gauge from the registry; label "" matches an unlabelled metric
func value(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := label == ""
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					matched = true
				}
			}
			if !matched {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	tr := NewTracker("example.com", c)

	tr.IncrementPagesFetched()
	tr.IncrementPagesFailed()
	tr.RecordDomain("no-dns")
	tr.RecordDomain("no-dns")
	tr.Finish("completed")
	c.ScanStarted()

	assert.Equal(t, 1.0, value(t, reg, "weaver_pages_total", "fetched"))
	assert.Equal(t, 1.0, value(t, reg, "weaver_pages_total", "failed"))
	assert.Equal(t, 2.0, value(t, reg, "weaver_domains_checked_total", "no-dns"))
	assert.Equal(t, 1.0, value(t, reg, "weaver_batches_total", "completed"))
	assert.Equal(t, 1.0, value(t, reg, "weaver_scans_running", ""))

	c.ScanFinished()
	assert.Equal(t, 0.0, value(t, reg, "weaver_scans_running", ""))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ScanStarted()
		c.ScanFinished()
		NewTracker("x", nil).RecordDomain("ok")
	})
}
