package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultGeoEndpoint = "http://ip-api.com/json"

type IPInfo struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Org         string  `json:"org,omitempty"`
	ASN         string  `json:"asn,omitempty"`
	Source      string  `json:"source"`
}

// GeoLocator resolves an IP address to location metadata.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (IPInfo, error)
}

// NormalizeIP parses ip and returns its canonical text form.
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: %q is not an IP address", ErrInvalidQuery, ip)
	}
	return addr.Unmap().String(), nil
}

// InfoFromHeaders reads the geolocation metadata an edge proxy attaches to the
// request. It reports false when the edge did not supply a country.
func InfoFromHeaders(h http.Header, ip string) (IPInfo, bool) {
	country := strings.TrimSpace(h.Get("CF-IPCountry"))
	if country == "" || country == "XX" {
		return IPInfo{}, false
	}
	info := IPInfo{
		IP:          ip,
		CountryCode: country,
		Region:      h.Get("CF-Region"),
		City:        h.Get("CF-IPCity"),
		Timezone:    h.Get("CF-Timezone"),
		Source:      "edge",
	}
	if lat, err := strconv.ParseFloat(h.Get("CF-IPLatitude"), 64); err == nil {
		info.Latitude = lat
	}
	if lon, err := strconv.ParseFloat(h.Get("CF-IPLongitude"), 64); err == nil {
		info.Longitude = lon
	}
	return info, true
}

// HTTPLocator queries an ip-api.com compatible JSON endpoint.
type HTTPLocator struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter
}

func NewHTTPLocator(baseURL string, client *http.Client, rps float64, burst int) *HTTPLocator {
	l := &HTTPLocator{BaseURL: baseURL, Client: client}
	if rps > 0 {
		l.Limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
	return l
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Query       string  `json:"query"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
}

func (l *HTTPLocator) Locate(ctx context.Context, ip string) (IPInfo, error) {
	addr, err := NormalizeIP(ip)
	if err != nil {
		return IPInfo{}, err
	}

	if l.Limiter != nil {
		if err := l.Limiter.Wait(ctx); err != nil {
			return IPInfo{}, &UpstreamError{Service: "geo", Err: err}
		}
	}

	base := l.BaseURL
	if base == "" {
		base = DefaultGeoEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/"+url.PathEscape(addr), nil)
	if err != nil {
		return IPInfo{}, &UpstreamError{Service: "geo", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return IPInfo{}, &UpstreamError{Service: "geo", Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return IPInfo{}, &UpstreamError{Service: "geo", StatusCode: resp.StatusCode}
	}

	var payload ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return IPInfo{}, &UpstreamError{Service: "geo", Err: fmt.Errorf("decode response: %w", err)}
	}

	if payload.Status != "success" {
		switch payload.Message {
		case "private range", "reserved range", "invalid query":
			return IPInfo{}, fmt.Errorf("%w: %s", ErrInvalidQuery, payload.Message)
		}
		return IPInfo{}, &UpstreamError{Service: "geo", Err: fmt.Errorf("provider status %q: %s", payload.Status, payload.Message)}
	}

	return IPInfo{
		IP:          addr,
		Country:     payload.Country,
		CountryCode: payload.CountryCode,
		Region:      payload.RegionName,
		City:        payload.City,
		Latitude:    payload.Lat,
		Longitude:   payload.Lon,
		Timezone:    payload.Timezone,
		ISP:         payload.ISP,
		Org:         payload.Org,
		ASN:         payload.AS,
		Source:      "ip-api",
	}, nil
}
