// Package frontier holds the crawl state of one site during a batch: which URLs are
// waiting, which were fetched before this batch, which were taken this batch and which
// were filtered out.
//
// Every URL known to a Frontier lives in exactly one of those sets. All mutation goes
// through the methods below, so tasks completing concurrently cannot break that rule.
package frontier

import (
	"sync"
)

// Frontier is the owned, mutex-guarded crawl state of a single batch
type Frontier struct {
	mu sync.Mutex

	pending    []string
	pendingSet map[string]bool

	visited     []string
	visitedSet  map[string]bool
	batch       []string
	batchSet    map[string]bool
	filteredSet map[string]bool
	outbound    *Outbound
}

// New creates a frontier from a persisted checkpoint. Pending entries that are already
// visited or duplicated are dropped so the sets start disjoint.
func New(pending, visited []string) *Frontier {
	f := &Frontier{
		pending:     make([]string, 0, len(pending)),
		pendingSet:  make(map[string]bool, len(pending)),
		visited:     make([]string, 0, len(visited)),
		visitedSet:  make(map[string]bool, len(visited)),
		batchSet:    make(map[string]bool),
		filteredSet: make(map[string]bool),
		outbound:    NewOutbound(),
	}

	for _, u := range visited {
		if f.visitedSet[u] {
			continue
		}
		f.visitedSet[u] = true
		f.visited = append(f.visited, u)
	}
	for _, u := range pending {
		if f.visitedSet[u] || f.pendingSet[u] {
			continue
		}
		f.pendingSet[u] = true
		f.pending = append(f.pending, u)
	}

	return f
}

// Take moves the head of pending into the batch-visited set
func (f *Frontier) Take() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return "", false
	}

	u := f.pending[0]
	f.pending = f.pending[1:]
	delete(f.pendingSet, u)

	f.batchSet[u] = true
	f.batch = append(f.batch, u)
	return u, true
}

// Requeue puts a taken but never executed URL back at the head of pending
func (f *Frontier) Requeue(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.batchSet[u] {
		return
	}
	f.removeFromBatch(u)

	f.pendingSet[u] = true
	f.pending = append([]string{u}, f.pending...)
}

// Drop moves a taken URL into the filtered set (robots disallowed)
func (f *Frontier) Drop(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.batchSet[u] {
		return
	}
	f.removeFromBatch(u)
	f.filteredSet[u] = true
}

// AddInternal appends an internal URL to pending.
// Returns false if the URL is already known in any set.
func (f *Frontier) AddInternal(u string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pendingSet[u] || f.visitedSet[u] || f.batchSet[u] || f.filteredSet[u] {
		return false
	}

	f.pendingSet[u] = true
	f.pending = append(f.pending, u)
	return true
}

// MarkOutbound records an outbound host. Returns true only the first time the host is seen.
func (f *Frontier) MarkOutbound(host string) bool {
	return f.outbound.Add(host)
}

// Outbound exposes the outbound host registry
func (f *Frontier) Outbound() *Outbound {
	return f.outbound
}

// Snapshot returns pending in order and visited with the batch merged in
func (f *Frontier) Snapshot() (pending, visited []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending = make([]string, len(f.pending))
	copy(pending, f.pending)

	visited = make([]string, 0, len(f.visited)+len(f.batch))
	visited = append(visited, f.visited...)
	visited = append(visited, f.batch...)
	return pending, visited
}

// PendingLen returns the number of URLs waiting to be taken
func (f *Frontier) PendingLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// VisitedLen returns persisted plus batch-visited URLs
func (f *Frontier) VisitedLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited) + len(f.batch)
}

// BatchLen returns the number of URLs taken this batch
func (f *Frontier) BatchLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batch)
}

// FilteredLen returns the number of URLs filtered out this batch
func (f *Frontier) FilteredLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filteredSet)
}

func (f *Frontier) removeFromBatch(u string) {
	delete(f.batchSet, u)
	for i, b := range f.batch {
		if b == u {
			f.batch = append(f.batch[:i], f.batch[i+1:]...)
			break
		}
	}
}
