package liveness

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober error codes
const (
	ErrTimeout           = "timeout"
	ErrConnectionRefused = "connection_refused"
	ErrTLS               = "tls"
	ErrDNS               = "dns"
	ErrUnknown           = "unknown"
)

const maxRedirects = 10

// ProbeResult is the outcome of the HTTP reachability check
type ProbeResult struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Scheme     string `json:"scheme,omitempty"`
	Parked     bool   `json:"parked,omitempty"`
}

// HTTPProber checks whether a domain answers HTTP at all
type HTTPProber struct {
	client       *http.Client
	userAgent    string
	detectParked bool
	maxBodyBytes int64
}

// ProberOption configures an HTTPProber
type ProberOption func(*HTTPProber)

// WithParkedDetection enables the parked-page heuristic on HTML responses
func WithParkedDetection(maxBodyBytes int64) ProberOption {
	return func(p *HTTPProber) {
		p.detectParked = true
		p.maxBodyBytes = maxBodyBytes
	}
}

// WithHTTPClient replaces the underlying client
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *HTTPProber) {
		p.client = c
	}
}

// NewHTTPProber creates a prober with a bounded timeout and no retries
func NewHTTPProber(timeout time.Duration, userAgent string, opts ...ProberOption) *HTTPProber {
	p := &HTTPProber{
		client: &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// the last redirect response still proves the host answers
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent:    userAgent,
		maxBodyBytes: 512 * 1024,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe tries https first and falls back to http. Any HTTP status counts as reachable.
func (p *HTTPProber) Probe(ctx context.Context, domain string) ProbeResult {
	var last ProbeResult
	for _, scheme := range []string{"https", "http"} {
		res, err := p.attempt(ctx, scheme, domain)
		if err == nil {
			return res
		}

		last = ProbeResult{Scheme: scheme, ErrorCode: ClassifyHTTPError(err)}
		logrus.WithFields(logrus.Fields{
			"domain": domain,
			"scheme": scheme,
			"code":   last.ErrorCode,
		}).Debugf("Probe attempt failed: %v", err)

		if ctx.Err() != nil {
			break
		}
	}
	return last
}

func (p *HTTPProber) attempt(ctx context.Context, scheme, domain string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+domain, http.NoBody)
	if err != nil {
		return ProbeResult{}, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()

	res := ProbeResult{
		Reachable:  true,
		StatusCode: resp.StatusCode,
		Scheme:     scheme,
	}

	if p.detectParked && strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
		res.Parked = LooksParked(io.LimitReader(resp.Body, p.maxBodyBytes))
	}
	return res, nil
}

// ClassifyHTTPError maps a transport error to a prober error code
func ClassifyHTTPError(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}

	var (
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		alertErr   tls.AlertError
	)
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) || errors.As(err, &authErr) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) || errors.As(err, &alertErr) ||
		strings.Contains(err.Error(), "tls:") {
		return ErrTLS
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrTimeout
	}
	return ErrUnknown
}
