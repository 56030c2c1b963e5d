package frontier

import (
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Outbound deduplicates outbound hosts for a batch and groups them by registrable domain
type Outbound struct {
	mu sync.RWMutex
	// Map: registrable domain -> set of hosts
	hosts map[string]map[string]bool
	total int
}

// NewOutbound creates an empty registry
func NewOutbound() *Outbound {
	return &Outbound{
		hosts: make(map[string]map[string]bool),
	}
}

// RootDomain returns the registrable domain of host (blog.example.co.uk -> example.co.uk).
// Hosts without a known public suffix are returned unchanged.
func RootDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return root
}

// Add registers a host. Returns true if it was not seen before.
func (o *Outbound) Add(host string) bool {
	host = strings.ToLower(host)
	root := RootDomain(host)

	o.mu.Lock()
	defer o.mu.Unlock()

	// Initialize map for this root domain if needed
	if o.hosts[root] == nil {
		o.hosts[root] = make(map[string]bool)
	}

	set := o.hosts[root]
	if set[host] {
		return false
	}

	set[host] = true
	o.total++
	return true
}

// Len returns the number of distinct hosts
func (o *Outbound) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.total
}

// Roots returns the number of distinct registrable domains
func (o *Outbound) Roots() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.hosts)
}
