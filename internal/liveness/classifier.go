// Package liveness decides whether an outbound domain is still alive.
//
// A domain first goes through the DNS oracle. Only a confirmed NXDOMAIN marks it as
// gone; anything else is followed by an HTTP reachability probe. The combination of
// both answers gives one of four statuses.
package liveness

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

// Status is the liveness verdict for a domain
type Status string

const (
	StatusOK        Status = "ok"
	StatusHTTPError Status = "http-error"
	StatusDNSError  Status = "dns-error"
	StatusNoDNS     Status = "no-dns"
)

// DNSProber is satisfied by *DNSOracle
type DNSProber interface {
	Probe(ctx context.Context, domain string) DNSReport
}

// ReachabilityProber is satisfied by *HTTPProber
type ReachabilityProber interface {
	Probe(ctx context.Context, domain string) ProbeResult
}

// Result is the classified verdict of one domain
type Result struct {
	Domain       string      `json:"domain"`
	TLD          string      `json:"tld"`
	Status       Status      `json:"status"`
	ErrorCode    string      `json:"error_code,omitempty"`
	HTTPStatus   int         `json:"http_status,omitempty"`
	Parked       bool        `json:"parked,omitempty"`
	ExpiryDate   string      `json:"expiry_date,omitempty"`
	ExpiryReason string      `json:"expiry_reason,omitempty"`
	Trace        []TraceStep `json:"trace,omitempty"`
	CheckedAt    time.Time   `json:"checked_at"`
}

// Classifier combines DNS, HTTP and optional registry enrichment
type Classifier struct {
	dns      DNSProber
	http     ReachabilityProber
	enricher Enricher
	now      func() time.Time
}

// NewClassifier creates a classifier. A nil enricher disables enrichment.
func NewClassifier(dns DNSProber, http ReachabilityProber, enricher Enricher) *Classifier {
	if enricher == nil {
		enricher = NoopEnricher{Reason: "enrichment disabled"}
	}
	return &Classifier{
		dns:      dns,
		http:     http,
		enricher: enricher,
		now:      time.Now,
	}
}

// Classify returns the verdict for domain:
//
//	confirmed absent               -> no-dns (HTTP is not attempted)
//	record or inconclusive + reply -> ok
//	record + no reply              -> http-error
//	inconclusive + no reply        -> dns-error
func (c *Classifier) Classify(ctx context.Context, domain string) Result {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	res := Result{
		Domain: domain,
		TLD:    TLD(domain),
	}

	report := c.dns.Probe(ctx, domain)
	res.Trace = report.Trace

	if report.ConfirmedAbsent {
		res.Status = StatusNoDNS
		res.ErrorCode = CodeNXDomain

		enrichment := c.enricher.Lookup(ctx, domain)
		res.ExpiryDate = enrichment.ExpiryDate
		res.ExpiryReason = enrichment.Reason
	} else {
		probe := c.http.Probe(ctx, domain)
		res.HTTPStatus = probe.StatusCode
		res.Parked = probe.Parked

		switch {
		case probe.Reachable:
			res.Status = StatusOK
		case report.HasRecord:
			res.Status = StatusHTTPError
			res.ErrorCode = probe.ErrorCode
		default:
			res.Status = StatusDNSError
			res.ErrorCode = probe.ErrorCode
		}
	}

	res.CheckedAt = c.now()
	logrus.WithFields(logrus.Fields{
		"domain": domain,
		"status": res.Status,
		"code":   res.ErrorCode,
	}).Debug("Domain classified")

	return res
}

// TLD returns the public suffix of domain
func TLD(domain string) string {
	suffix, _ := publicsuffix.PublicSuffix(domain)
	return suffix
}
