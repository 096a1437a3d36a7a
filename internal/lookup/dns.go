package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultDoHEndpoint = "https://cloudflare-dns.com/dns-query"

// recordTypes maps supported record type names to their wire numbers.
var recordTypes = map[string]int{
	"A":     1,
	"NS":    2,
	"CNAME": 5,
	"SOA":   6,
	"PTR":   12,
	"MX":    15,
	"TXT":   16,
	"AAAA":  28,
	"SRV":   33,
	"CAA":   257,
}

const (
	rcodeNoError  = 0
	rcodeNXDomain = 3
)

var rcodeNames = map[int]string{
	1: "FORMERR",
	2: "SERVFAIL",
	4: "NOTIMP",
	5: "REFUSED",
}

func rcodeName(code int) string {
	if name, ok := rcodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("rcode %d", code)
}

var domainPattern = regexp.MustCompile(`^([a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9])?\.)+[a-z0-9][a-z0-9-]{0,61}[a-z0-9]$`)

type DNSRecord struct {
	Name string `json:"name"`
	Type string `json:"type"`
	TTL  int    `json:"ttl"`
	Data string `json:"data"`
}

type DNSAnswer struct {
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Status  int         `json:"status"` // DNS RCODE, 0 is NOERROR
	Records []DNSRecord `json:"records"`
}

// NormalizeDNSQuery lowercases the name, drops a trailing dot and uppercases
// the record type (default "A"). It rejects names and types the resolver does
// not handle.
func NormalizeDNSQuery(name, rrType string) (string, string, error) {
	n := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if n == "" {
		return "", "", fmt.Errorf("%w: name is required", ErrInvalidQuery)
	}
	if len(n) > 253 || !domainPattern.MatchString(n) {
		return "", "", fmt.Errorf("%w: %q is not a valid domain name", ErrInvalidQuery, name)
	}

	t := strings.ToUpper(strings.TrimSpace(rrType))
	if t == "" {
		t = "A"
	}
	if _, ok := recordTypes[t]; !ok {
		return "", "", fmt.Errorf("%w: unsupported record type %q", ErrInvalidQuery, rrType)
	}
	return n, t, nil
}

// DoHResolver queries a DNS-over-HTTPS JSON endpoint.
type DoHResolver struct {
	Endpoint string
	Client   *http.Client
	Limiter  *rate.Limiter // optional outbound throttle
}

// NewDoHResolver returns a resolver throttled to rps requests per second with
// the given burst. rps <= 0 disables throttling.
func NewDoHResolver(endpoint string, client *http.Client, rps float64, burst int) *DoHResolver {
	r := &DoHResolver{Endpoint: endpoint, Client: client}
	if rps > 0 {
		r.Limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
	return r
}

type dohResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Name string `json:"name"`
		Type int    `json:"type"`
		TTL  int    `json:"TTL"`
		Data string `json:"data"`
	} `json:"Answer"`
}

func (r *DoHResolver) Resolve(ctx context.Context, name, rrType string) (DNSAnswer, error) {
	n, t, err := NormalizeDNSQuery(name, rrType)
	if err != nil {
		return DNSAnswer{}, err
	}

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return DNSAnswer{}, &UpstreamError{Service: "dns", Err: err}
		}
	}

	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = DefaultDoHEndpoint
	}
	q := url.Values{}
	q.Set("name", n)
	q.Set("type", t)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return DNSAnswer{}, &UpstreamError{Service: "dns", Err: err}
	}
	req.Header.Set("Accept", "application/dns-json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return DNSAnswer{}, &UpstreamError{Service: "dns", Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return DNSAnswer{}, &UpstreamError{Service: "dns", StatusCode: resp.StatusCode}
	}

	var payload dohResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return DNSAnswer{}, &UpstreamError{Service: "dns", Err: fmt.Errorf("decode response: %w", err)}
	}

	// NXDOMAIN is an answer about the name; every other non-zero rcode is a
	// resolver failure.
	if payload.Status != rcodeNoError && payload.Status != rcodeNXDomain {
		return DNSAnswer{}, &UpstreamError{Service: "dns", Err: fmt.Errorf("resolver returned %s", rcodeName(payload.Status))}
	}

	ans := DNSAnswer{Name: n, Type: t, Status: payload.Status, Records: make([]DNSRecord, 0, len(payload.Answer))}
	for _, a := range payload.Answer {
		ans.Records = append(ans.Records, DNSRecord{
			Name: strings.TrimSuffix(a.Name, "."),
			Type: typeName(a.Type),
			TTL:  a.TTL,
			Data: a.Data,
		})
	}
	return ans, nil
}

func typeName(n int) string {
	for name, v := range recordTypes {
		if v == n {
			return name
		}
	}
	return fmt.Sprintf("TYPE%d", n)
}
