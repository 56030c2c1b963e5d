// Package events carries structured progress notifications out of a scan.
// Sinks are passed in by the caller for each scan; nothing here is global.
package events

import (
	"sync"
	"time"
)

// Type names the kind of notification
type Type string

const (
	BatchStart      Type = "batch_start"
	Page            Type = "page"
	Domain          Type = "domain"
	Stats           Type = "stats"
	Paused          Type = "paused"
	Done            Type = "done"
	Error           Type = "error"
	ResumeScheduled Type = "resume_scheduled"
	Resumed         Type = "resumed"
	Interrupted     Type = "interrupted"
)

// Stage identifies where in the pipeline an error or page outcome happened
type Stage string

const (
	StageRobots     Stage = "robots"
	StageFetch      Stage = "fetch"
	StageDNS        Stage = "dns"
	StageHTTP       Stage = "http"
	StagePersist    Stage = "persist"
	StageCheckpoint Stage = "checkpoint"
	StageTask       Stage = "task"
)

// StatsSnapshot is the periodic progress sample
type StatsSnapshot struct {
	Visited        int     `json:"visited"`
	Pending        int     `json:"pending"`
	QueueDepth     int     `json:"queue_depth"`
	InFlight       int     `json:"in_flight"`
	DomainsChecked int     `json:"domains_checked"`
	Concurrency    int     `json:"concurrency"`
	PagesPerSecond float64 `json:"pages_per_second"`
}

// DomainResult is the per-domain verdict attached to domain events
type DomainResult struct {
	Domain     string `json:"domain"`
	TLD        string `json:"tld"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Parked     bool   `json:"parked,omitempty"`
}

// Event is a single structured notification
type Event struct {
	Type      Type           `json:"type"`
	Site      string         `json:"site"`
	Time      time.Time      `json:"time"`
	URL       string         `json:"url,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	Stage     Stage          `json:"stage,omitempty"`
	Status    string         `json:"status,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Stats     *StatsSnapshot `json:"stats,omitempty"`
	Result    *DomainResult  `json:"result,omitempty"`
	ResumeAt  *time.Time     `json:"resume_at,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event
var Discard Sink = SinkFunc(func(Event) {})

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans an event out to every non-nil sink
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// OrDiscard returns s, or Discard when s is nil
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Recorder keeps every event it sees. Useful for the CLI summary and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
