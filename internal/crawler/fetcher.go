package crawler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

const linksKey = "links"

// linkSink collects the anchors of one response
type linkSink struct {
	links []string
}

// FetcherConfig configures the page fetcher
type FetcherConfig struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxBodyBytes   int
	Parallelism    int
}

// PageFetcher downloads pages and extracts their anchors
type PageFetcher struct {
	collector *colly.Collector
}

// NewPageFetcher configures a synchronous Colly collector. Robots rules are enforced by
// the robots gate, not by Colly.
func NewPageFetcher(cfg FetcherConfig) *PageFetcher {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)

	// Set request timeout
	if cfg.RequestTimeout > 0 {
		c.SetRequestTimeout(cfg.RequestTimeout)
	}

	// Limit parallelism
	if cfg.Parallelism > 0 {
		if err := c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: cfg.Parallelism,
		}); err != nil {
			logrus.Warnf("Failed to set fetch limit: %v", err)
		}
	}

	// Extract links
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		sink, ok := e.Request.Ctx.GetAny(linksKey).(*linkSink)
		if !ok {
			return
		}

		abs := e.Request.AbsoluteURL(e.Attr("href"))
		if abs == "" {
			// malformed or unsupported href
			return
		}
		sink.links = append(sink.links, abs)
	})

	return &PageFetcher{collector: c}
}

// Fetch downloads pageURL and returns every anchor resolved against it.
// Transport errors and non-2xx responses are returned as errors.
func (f *PageFetcher) Fetch(ctx context.Context, pageURL string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sink := &linkSink{}
	reqCtx := colly.NewContext()
	reqCtx.Put(linksKey, sink)

	if err := f.collector.Request(http.MethodGet, pageURL, nil, reqCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	return sink.links, nil
}
