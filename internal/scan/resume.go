package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/alvmarrod/outbound-weaver/internal/gate"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/sirupsen/logrus"
)

// resumeTimer is an armed automatic resume
type resumeTimer struct {
	at   time.Time
	stop func() bool
}

// armLocked schedules an automatic resume of site at the given time
func (s *Service) armLocked(site string, at time.Time) {
	if t, ok := s.timers[site]; ok {
		t.stop()
	}

	delay := at.Sub(s.opts.Now())
	if delay < 0 {
		delay = 0
	}

	t := &resumeTimer{at: at}
	t.stop = s.opts.AfterFunc(delay, func() { s.fire(site, t) })
	s.timers[site] = t
	logrus.Infof("[%s] Resume scheduled at %s", site, at.Format(time.RFC3339))
}

// fire runs when a resume timer expires. The checkpoint is re-read so that a scan
// interrupted or deleted in the meantime is left alone.
func (s *Service) fire(site string, t *resumeTimer) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if s.timers[site] != t {
		// replaced or cancelled after it fired
		s.mu.Unlock()
		return
	}
	delete(s.timers, site)
	sink := events.OrDiscard(s.sinks[site])
	s.notifyLocked()
	s.mu.Unlock()

	if err := s.resume(context.Background(), site, sink); err != nil {
		logrus.Warnf("[%s] Automatic resume skipped: %v", site, err)
	}
}

// resume continues a paused scan with its stored policy
func (s *Service) resume(ctx context.Context, site string, sink events.Sink) error {
	j, err := s.claim(ctx, site, sink)
	if err != nil {
		if errors.Is(err, ErrScanActive) {
			emit(sink, site, events.Event{Type: events.Error, Stage: events.StageTask, Error: err.Error()})
		}
		return err
	}

	cp, err := s.store.FindCheckpoint(ctx, site)
	if err != nil {
		s.abandon(j)
		emit(sink, site, events.Event{Type: events.Error, Stage: events.StageCheckpoint, Error: err.Error()})
		return err
	}
	if cp == nil {
		s.abandon(j)
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, site)
	}
	if cp.Status != storage.StatusPaused || !cp.AutoResume.Enabled {
		s.abandon(j)
		return fmt.Errorf("scan is %s with auto-resume %t", cp.Status, cp.AutoResume.Enabled)
	}

	if !cp.AutoResume.Unbounded() {
		cp.AutoResume.Remaining--
	}
	cp.Status = storage.StatusRunning
	cp.NextResumeAt = nil
	cp.LastError = ""

	if err := s.store.UpsertCheckpoint(ctx, cp); err != nil {
		s.abandon(j)
		emit(sink, site, events.Event{Type: events.Error, Stage: events.StageCheckpoint, Error: err.Error()})
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	j.cp = cp
	j.batchSize = cp.AutoResume.BatchSize
	if j.batchSize < 1 {
		j.batchSize = s.opts.BatchSize
	}
	j.aggressive = cp.AutoResume.Aggressive

	remaining := "unbounded"
	if !cp.AutoResume.Unbounded() {
		remaining = fmt.Sprintf("%d", cp.AutoResume.Remaining)
	}
	logrus.Infof("[%s] Resuming automatically (%s resumes left)", site, remaining)
	emit(sink, site, events.Event{Type: events.Resumed, Status: string(cp.Status)})

	// errors are already reported as events
	_ = s.execute(j)
	return nil
}

// Recover restores scheduling state after a process start: checkpoints left running
// by a crash become paused, and persisted resume times are re-armed (overdue ones fire
// right away). sink receives the events of recovered scans. Returns the number of
// resumes armed.
func (s *Service) Recover(ctx context.Context, sink events.Sink) (int, error) {
	cps, err := s.store.ListCheckpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sink = events.OrDiscard(sink)

	armed := 0
	for _, cp := range cps {
		if s.Running(cp.Site) {
			continue
		}

		if cp.Status == storage.StatusRunning {
			release, err := s.gate.Acquire(ctx, cp.Site)
			if errors.Is(err, gate.ErrLocked) {
				// running in another process
				continue
			}
			if err != nil {
				return armed, fmt.Errorf("failed to acquire site gate: %w", err)
			}
			release()

			cp.Status = storage.StatusPaused
			if cp.AutoResume.Enabled && cp.AutoResume.Remaining != 0 && cp.NextResumeAt == nil {
				at := s.opts.Now().Add(time.Duration(cp.AutoResume.DelayMinutes) * time.Minute).UTC()
				cp.NextResumeAt = &at
			}
			if err := s.store.UpsertCheckpoint(ctx, cp); err != nil {
				return armed, fmt.Errorf("failed to persist checkpoint: %w", err)
			}
			logrus.Warnf("[%s] Scan was left running, marked paused", cp.Site)
		}

		if cp.Status != storage.StatusPaused || !cp.AutoResume.Enabled || cp.NextResumeAt == nil {
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return armed, nil
		}
		s.sinks[cp.Site] = sink
		s.armLocked(cp.Site, *cp.NextResumeAt)
		s.notifyLocked()
		s.mu.Unlock()
		armed++
	}

	logrus.Infof("Recovered %d checkpoints, %d resumes armed", len(cps), armed)
	return armed, nil
}
