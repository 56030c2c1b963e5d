package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Trace codes recorded per DNS step
const (
	CodeNXDomain = "NXDOMAIN"
	CodeServFail = "SERVFAIL"
	CodeRefused  = "REFUSED"
	CodeTimeout  = "TIMEOUT"
	CodeNoData   = "NODATA"
	CodeError    = "ERROR"
)

// Step names in the order they run
const (
	StepLookup = "lookup"
	StepA      = "A"
	StepAAAA   = "AAAA"
	StepCNAME  = "CNAME"
	StepANY    = "ANY"
)

const maxCNAMEHops = 8

var defaultServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// AddrResolver is the general address lookup (satisfied by *net.Resolver)
type AddrResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// RecordQuerier sends one explicit DNS query and returns the answer message
type RecordQuerier interface {
	Query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error)
}

// TraceStep records the outcome of one lookup step
type TraceStep struct {
	Step   string `json:"step"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// DNSReport is the outcome of probing one domain
type DNSReport struct {
	HasRecord bool `json:"has_record"`
	// ConfirmedAbsent is set only when the authoritative answer was NXDOMAIN
	ConfirmedAbsent bool        `json:"confirmed_absent"`
	Trace           []TraceStep `json:"trace"`
}

// Inconclusive reports whether DNS could neither confirm nor rule out the domain
func (r DNSReport) Inconclusive() bool {
	return !r.HasRecord && !r.ConfirmedAbsent
}

// DNSQuerier queries a list of servers in order; the first answer without a transport error wins
type DNSQuerier struct {
	client  *dns.Client
	servers []string
}

// NewDNSQuerier creates a querier. With no servers it reads /etc/resolv.conf and falls back
// to public resolvers.
func NewDNSQuerier(servers []string, timeout time.Duration) *DNSQuerier {
	if len(servers) == 0 {
		servers = systemServers()
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}

	return &DNSQuerier{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: normalized,
	}
}

func systemServers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return defaultServers
	}
	out := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		out = append(out, net.JoinHostPort(s, conf.Port))
	}
	return out
}

// Servers returns the servers queried, in order
func (q *DNSQuerier) Servers() []string {
	return q.servers
}

// Query implements RecordQuerier
func (q *DNSQuerier) Query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range q.servers {
		in, _, err := q.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if in.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: q.client.Timeout}
			if full, _, err := tcp.ExchangeContext(ctx, m, server); err == nil {
				in = full
			}
		}
		return in, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no dns servers configured")
	}
	return nil, lastErr
}

// DNSOracle decides whether a domain still has DNS records
type DNSOracle struct {
	resolver AddrResolver
	querier  RecordQuerier
	timeout  time.Duration
}

// NewDNSOracle creates an oracle. timeout bounds every individual step.
func NewDNSOracle(resolver AddrResolver, querier RecordQuerier, timeout time.Duration) *DNSOracle {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSOracle{
		resolver: resolver,
		querier:  querier,
		timeout:  timeout,
	}
}

// Probe runs the lookup steps in order and stops at the first that finds a record.
// Only an NXDOMAIN answer to the final ANY query confirms the domain is gone.
func (o *DNSOracle) Probe(ctx context.Context, domain string) DNSReport {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	var report DNSReport

	record := func(step TraceStep) bool {
		report.Trace = append(report.Trace, step)
		if step.OK {
			report.HasRecord = true
		}
		return step.OK
	}

	if record(o.lookup(ctx, domain)) {
		return report
	}
	if record(o.address(ctx, StepA, domain, dns.TypeA)) {
		return report
	}
	if record(o.address(ctx, StepAAAA, domain, dns.TypeAAAA)) {
		return report
	}
	if record(o.cname(ctx, domain)) {
		return report
	}

	step, nxdomain := o.any(ctx, domain)
	record(step)
	report.ConfirmedAbsent = nxdomain

	logrus.WithFields(logrus.Fields{
		"domain":  domain,
		"present": report.HasRecord,
		"absent":  report.ConfirmedAbsent,
	}).Debug("DNS probe finished")

	return report
}

func (o *DNSOracle) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// lookup is the general resolver pass; it follows aliases and accepts v4 or v6
func (o *DNSOracle) lookup(ctx context.Context, domain string) TraceStep {
	ctx, cancel := o.stepContext(ctx)
	defer cancel()

	addrs, err := o.resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return TraceStep{Step: StepLookup, Code: resolverCode(err), Detail: err.Error()}
	}
	if len(addrs) == 0 {
		return TraceStep{Step: StepLookup, Code: CodeNoData}
	}

	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP.String())
	}
	return TraceStep{Step: StepLookup, OK: true, Detail: strings.Join(ips, ",")}
}

func (o *DNSOracle) address(ctx context.Context, step, name string, qtype uint16) TraceStep {
	if o.querier == nil {
		return TraceStep{Step: step, Code: CodeError, Detail: "no record querier"}
	}

	ctx, cancel := o.stepContext(ctx)
	defer cancel()

	msg, err := o.querier.Query(ctx, name, qtype)
	if err != nil {
		return TraceStep{Step: step, Code: transportCode(err), Detail: err.Error()}
	}
	if code := rcodeCode(msg.Rcode); code != "" {
		return TraceStep{Step: step, Code: code}
	}

	values := answersOf(msg, qtype)
	if len(values) == 0 {
		return TraceStep{Step: step, Code: CodeNoData}
	}
	return TraceStep{Step: step, OK: true, Detail: strings.Join(values, ",")}
}

// cname resolves an alias chain and looks for an address at its end
func (o *DNSOracle) cname(ctx context.Context, domain string) TraceStep {
	if o.querier == nil {
		return TraceStep{Step: StepCNAME, Code: CodeError, Detail: "no record querier"}
	}

	chain := []string{domain}
	name := domain
	for hop := 0; hop < maxCNAMEHops; hop++ {
		qctx, cancel := o.stepContext(ctx)
		msg, err := o.querier.Query(qctx, name, dns.TypeCNAME)
		cancel()
		if err != nil {
			return TraceStep{Step: StepCNAME, Code: transportCode(err), Detail: strings.Join(chain, " -> ")}
		}
		if code := rcodeCode(msg.Rcode); code != "" {
			return TraceStep{Step: StepCNAME, Code: code, Detail: strings.Join(chain, " -> ")}
		}

		targets := answersOf(msg, dns.TypeCNAME)
		if len(targets) == 0 {
			if hop == 0 {
				return TraceStep{Step: StepCNAME, Code: CodeNoData}
			}
			// end of the chain without an address
			return TraceStep{Step: StepCNAME, Code: CodeNoData, Detail: strings.Join(chain, " -> ")}
		}

		name = strings.TrimSuffix(targets[0], ".")
		chain = append(chain, name)

		for _, qt := range []uint16{dns.TypeA, dns.TypeAAAA} {
			step := o.address(ctx, StepCNAME, name, qt)
			if step.OK {
				step.Detail = strings.Join(chain, " -> ") + " = " + step.Detail
				return step
			}
		}
	}

	return TraceStep{
		Step:   StepCNAME,
		Code:   CodeError,
		Detail: fmt.Sprintf("alias chain longer than %d: %s", maxCNAMEHops, strings.Join(chain, " -> ")),
	}
}

// any distinguishes a missing domain from a failing resolver
func (o *DNSOracle) any(ctx context.Context, domain string) (TraceStep, bool) {
	if o.querier == nil {
		return TraceStep{Step: StepANY, Code: CodeError, Detail: "no record querier"}, false
	}

	ctx, cancel := o.stepContext(ctx)
	defer cancel()

	msg, err := o.querier.Query(ctx, domain, dns.TypeANY)
	if err != nil {
		return TraceStep{Step: StepANY, Code: transportCode(err), Detail: err.Error()}, false
	}
	if msg.Rcode == dns.RcodeNameError {
		return TraceStep{Step: StepANY, Code: CodeNXDomain}, true
	}
	if code := rcodeCode(msg.Rcode); code != "" {
		return TraceStep{Step: StepANY, Code: code}, false
	}
	if len(msg.Answer) == 0 {
		return TraceStep{Step: StepANY, Code: CodeNoData}, false
	}

	types := make([]string, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		types = append(types, dns.TypeToString[rr.Header().Rrtype])
	}
	return TraceStep{Step: StepANY, OK: true, Detail: strings.Join(types, ",")}, false
}

func answersOf(msg *dns.Msg, qtype uint16) []string {
	var out []string
	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				out = append(out, v.A.String())
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				out = append(out, v.AAAA.String())
			}
		case *dns.CNAME:
			if qtype == dns.TypeCNAME {
				out = append(out, v.Target)
			}
		}
	}
	return out
}

// rcodeCode maps a failing rcode to a trace code; NOERROR maps to ""
func rcodeCode(rcode int) string {
	switch rcode {
	case dns.RcodeSuccess:
		return ""
	case dns.RcodeNameError:
		return CodeNXDomain
	case dns.RcodeServerFailure:
		return CodeServFail
	case dns.RcodeRefused:
		return CodeRefused
	default:
		return CodeError
	}
}

func transportCode(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return CodeTimeout
	}
	return CodeError
}

func resolverCode(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return CodeNXDomain
		case dnsErr.IsTimeout:
			return CodeTimeout
		}
		return CodeError
	}
	return transportCode(err)
}
