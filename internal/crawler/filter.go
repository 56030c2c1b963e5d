package crawler

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var (
	errUnsupportedScheme = errors.New("unsupported scheme")
	errMissingHost       = errors.New("missing host")
)

// Normalize canonicalises an absolute http(s) URL: lowercase scheme and host, no
// fragment, no default port, "/" for an empty path
func Normalize(raw string) (string, error) {
	u, err := parseHTTP(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Origin returns scheme://host[:port] of an absolute http(s) URL after normalisation
func Origin(raw string) (string, error) {
	u, err := parseHTTP(raw)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// ExtractDomain returns the lowercase hostname of an absolute http(s) URL
func ExtractDomain(raw string) (string, error) {
	u, err := parseHTTP(raw)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// Partition splits links found on a page of origin into internal URLs (same origin,
// normalised) and outbound hostnames (different host). Links on the same host but a
// different scheme or port are neither. Both results are deduplicated and keep first-seen order.
func Partition(origin string, links []string) (internal []string, outbound []string) {
	base, err := parseHTTP(origin)
	if err != nil {
		return nil, nil
	}
	baseHost := base.Hostname()

	seenInternal := make(map[string]bool)
	seenOutbound := make(map[string]bool)

	for _, link := range links {
		// Skip empty links
		if strings.TrimSpace(link) == "" {
			continue
		}

		u, err := parseHTTP(link)
		if err != nil {
			continue
		}

		host := u.Hostname()
		switch {
		case u.Scheme == base.Scheme && u.Host == base.Host:
			s := u.String()
			if !seenInternal[s] {
				seenInternal[s] = true
				internal = append(internal, s)
			}
		case host != baseHost:
			if !seenOutbound[host] {
				seenOutbound[host] = true
				outbound = append(outbound, host)
			}
		}
	}

	return internal, outbound
}

func parseHTTP(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)

	// Handle protocol-relative URLs
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errUnsupportedScheme
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, errMissingHost
	}

	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u, nil
}
