// Package robots decides whether a URL may be fetched according to its origin's robots.txt.
// Policies are fetched once per origin and cached for the life of the Gate. Any failure to
// obtain a policy allows everything.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const robotsTxtPath = "/robots.txt"

// maxRobotsBodyBytes limits the size of robots.txt responses we will read
const maxRobotsBodyBytes = 512 * 1024

// policy is the cached robots data of one origin; nil data means allow all
type policy struct {
	data *robotstxt.RobotsData
}

func (p *policy) allows(path, agent string) bool {
	if p.data == nil {
		return true
	}
	return p.data.TestAgent(path, agent)
}

// Gate checks URLs against cached robots.txt policies
type Gate struct {
	client    *http.Client
	userAgent string

	mu       sync.RWMutex
	policies map[string]*policy // keyed by origin
	group    singleflight.Group
}

// NewGate creates a Gate. A nil client gets a 10 second timeout client.
func NewGate(client *http.Client, userAgent string) *Gate {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Gate{
		client:    client,
		userAgent: userAgent,
		policies:  make(map[string]*policy),
	}
}

// IsAllowed reports whether rawURL may be fetched. Malformed URLs and URLs without a host
// are not allowed.
func (g *Gate) IsAllowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		logrus.WithField("url", rawURL).Warnf("robots: ignoring malformed url: %v", err)
		return false
	}
	if parsed.Host == "" {
		logrus.WithField("url", rawURL).Warn("robots: ignoring url without host")
		return false
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	origin := scheme + "://" + strings.ToLower(parsed.Host)

	return g.policyFor(ctx, origin).allows(parsed.RequestURI(), g.userAgent)
}

// Cached returns the number of origins with a cached policy
func (g *Gate) Cached() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.policies)
}

func (g *Gate) policyFor(ctx context.Context, origin string) *policy {
	g.mu.RLock()
	p, ok := g.policies[origin]
	g.mu.RUnlock()
	if ok {
		return p
	}

	// concurrent first use of an origin shares one fetch
	v, _, _ := g.group.Do(origin, func() (any, error) {
		g.mu.RLock()
		cached, ok := g.policies[origin]
		g.mu.RUnlock()
		if ok {
			return cached, nil
		}

		fetched := g.fetch(ctx, origin)

		g.mu.Lock()
		g.policies[origin] = fetched
		g.mu.Unlock()
		return fetched, nil
	})
	return v.(*policy)
}

// fetch downloads and parses robots.txt. Every failure yields an allow-all policy.
func (g *Gate) fetch(ctx context.Context, origin string) *policy {
	log := logrus.WithField("origin", origin)

	body, status, err := g.doFetch(ctx, origin+robotsTxtPath)
	if err != nil {
		log.Debugf("robots: fetch failed, allowing all: %v", err)
		return &policy{}
	}
	if status < 200 || status >= 300 {
		log.Debugf("robots: status %d, allowing all", status)
		return &policy{}
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		log.Debugf("robots: parse failed, allowing all: %v", err)
		return &policy{}
	}
	return &policy{data: data}
}

// doFetch performs the HTTP GET for robots.txt and returns body, status code and error
func (g *Gate) doFetch(ctx context.Context, robotsURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: create request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("robots: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
