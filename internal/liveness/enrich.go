package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultWhoisEndpoint is used when no endpoint is configured
const DefaultWhoisEndpoint = "https://www.whoisxmlapi.com/whoisserver/WhoisService"

// Enrichment is optional registry data for a domain without DNS
type Enrichment struct {
	ExpiryDate string `json:"expiry_date,omitempty"`
	// Reason explains why ExpiryDate is missing
	Reason string `json:"reason,omitempty"`
}

// Enricher looks up registry data. Failures are reported in Enrichment.Reason, never as errors.
type Enricher interface {
	Lookup(ctx context.Context, domain string) Enrichment
}

// NoopEnricher is used when enrichment is not configured
type NoopEnricher struct {
	Reason string
}

func (n NoopEnricher) Lookup(context.Context, string) Enrichment {
	return Enrichment{Reason: n.Reason}
}

// NewEnricher returns a WHOIS enricher, or a NoopEnricher when no API key is set
func NewEnricher(endpoint, apiKey string, timeout time.Duration) Enricher {
	if apiKey == "" {
		return NoopEnricher{Reason: "whois api key not configured"}
	}
	if endpoint == "" {
		endpoint = DefaultWhoisEndpoint
	}
	return &WhoisEnricher{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// WhoisEnricher reads the registry expiry date from a WHOIS JSON API
type WhoisEnricher struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type whoisResponse struct {
	WhoisRecord *struct {
		ExpiresDate  string `json:"expiresDate"`
		RegistryData struct {
			ExpiresDate string `json:"expiresDate"`
		} `json:"registryData"`
	} `json:"WhoisRecord"`
	ErrorMessage *struct {
		Msg string `json:"msg"`
	} `json:"ErrorMessage"`
}

// Lookup implements Enricher
func (w *WhoisEnricher) Lookup(ctx context.Context, domain string) Enrichment {
	form := url.Values{
		"domainName":   {domain},
		"apiKey":       {w.apiKey},
		"outputFormat": {"JSON"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Enrichment{Reason: fmt.Sprintf("whois request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.client.Do(req)
	if err != nil {
		return Enrichment{Reason: fmt.Sprintf("whois lookup failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Enrichment{Reason: fmt.Sprintf("whois lookup returned status %d", resp.StatusCode)}
	}

	var body whoisResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Enrichment{Reason: fmt.Sprintf("whois response decode: %v", err)}
	}
	if body.ErrorMessage != nil && body.ErrorMessage.Msg != "" {
		return Enrichment{Reason: "whois error: " + body.ErrorMessage.Msg}
	}
	if body.WhoisRecord == nil {
		return Enrichment{Reason: "whois record missing"}
	}

	if d := body.WhoisRecord.RegistryData.ExpiresDate; d != "" {
		return Enrichment{ExpiryDate: d}
	}
	if d := body.WhoisRecord.ExpiresDate; d != "" {
		return Enrichment{ExpiryDate: d}
	}
	return Enrichment{Reason: "expiry date not present in whois record"}
}
