package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/toolgate/internal/ratelimit"
)

const envPrefix = "TOOLGATE_"

type Server struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS     int    `yaml:"idle_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
	TrustProxyHeaders bool   `yaml:"trust_proxy_headers"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type TierLimit struct {
	Limit    int `yaml:"limit"`
	WindowMS int `yaml:"window_ms"`
}

type Limits struct {
	Backend string               `yaml:"backend"` // "memory" or "redis"
	Tiers   map[string]TierLimit `yaml:"tiers"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Prefix    string `yaml:"prefix"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Cache struct {
	MaxEntries   int  `yaml:"max_entries"`
	SingleFlight bool `yaml:"single_flight"`
	IPTTLMS      int  `yaml:"ip_ttl_ms"`
	DNSTTLMS     int  `yaml:"dns_ttl_ms"`
}

type DNSUpstream struct {
	URL       string  `yaml:"url"`
	TimeoutMS int     `yaml:"timeout_ms"`
	RPS       float64 `yaml:"rps"`
	Burst     int     `yaml:"burst"`
}

type GeoUpstream struct {
	URL        string  `yaml:"url"`
	TimeoutMS  int     `yaml:"timeout_ms"`
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
	UseHeaders bool    `yaml:"use_edge_headers"`
}

type AIUpstream struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Upstream struct {
	DNS DNSUpstream `yaml:"dns"`
	Geo GeoUpstream `yaml:"geo"`
	AI  AIUpstream  `yaml:"ai"`
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Tier  string `yaml:"tier"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Redis         Redis         `yaml:"redis"`
	Cache         Cache         `yaml:"cache"`
	Upstream      Upstream      `yaml:"upstream"`
	Routes        []Routes      `yaml:"routes"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s Server) ReadTimeout() time.Duration     { return ms(s.ReadTimeoutMS) }
func (s Server) WriteTimeout() time.Duration    { return ms(s.WriteTimeoutMS) }
func (s Server) IdleTimeout() time.Duration     { return ms(s.IdleTimeoutMS) }
func (s Server) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMS) }
func (r Redis) Timeout() time.Duration          { return ms(r.TimeoutMS) }
func (c Cache) IPTTL() time.Duration            { return ms(c.IPTTLMS) }
func (c Cache) DNSTTL() time.Duration           { return ms(c.DNSTTLMS) }

// Policies converts the configured tiers into limiter policies.
func (l Limits) Policies() ratelimit.Tiers {
	out := make(ratelimit.Tiers, len(l.Tiers))
	for name, t := range l.Tiers {
		out[ratelimit.ParseTier(name)] = ratelimit.Policy{Limit: t.Limit, Window: ms(t.WindowMS)}
	}
	return out
}

// Default returns the configuration used when no file is given.
func Default() *Root {
	cfg := &Root{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path (an empty path means defaults only), then
// a .env file if one exists, then TOOLGATE_* environment overrides.
func Load(path string) (*Root, error) {
	var cfg Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutMS <= 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS <= 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS <= 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ShutdownTimeoutMS <= 0 {
		cfg.Server.ShutdownTimeoutMS = 10000
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}

	if cfg.Limits.Backend == "" {
		cfg.Limits.Backend = "memory"
	}
	if cfg.Limits.Tiers == nil {
		cfg.Limits.Tiers = map[string]TierLimit{}
	}
	for tier, p := range ratelimit.DefaultTiers {
		if _, ok := cfg.Limits.Tiers[string(tier)]; !ok {
			cfg.Limits.Tiers[string(tier)] = TierLimit{Limit: p.Limit, WindowMS: int(p.Window.Milliseconds())}
		}
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "toolgate:rl:"
	}
	if cfg.Redis.TimeoutMS <= 0 {
		cfg.Redis.TimeoutMS = 2000
	}

	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Cache.IPTTLMS <= 0 {
		cfg.Cache.IPTTLMS = 3600000
	}
	if cfg.Cache.DNSTTLMS <= 0 {
		cfg.Cache.DNSTTLMS = 300000
	}

	if cfg.Upstream.DNS.URL == "" {
		cfg.Upstream.DNS.URL = "https://cloudflare-dns.com/dns-query"
	}
	if cfg.Upstream.DNS.TimeoutMS <= 0 {
		cfg.Upstream.DNS.TimeoutMS = 5000
	}
	if cfg.Upstream.Geo.URL == "" {
		cfg.Upstream.Geo.URL = "http://ip-api.com/json"
	}
	if cfg.Upstream.Geo.TimeoutMS <= 0 {
		cfg.Upstream.Geo.TimeoutMS = 5000
	}
	if cfg.Upstream.AI.TimeoutMS <= 0 {
		cfg.Upstream.AI.TimeoutMS = 30000
	}

	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
		if cfg.Routes[i].Tier == "" {
			cfg.Routes[i].Tier = string(ratelimit.TierDefault)
		}
	}
}

// applyEnv overrides scalar settings from TOOLGATE_* variables.
func (cfg *Root) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("ADDR", &cfg.Server.Addr)
	str("LOG_LEVEL", &cfg.Observability.LogLevel)
	str("LIMIT_BACKEND", &cfg.Limits.Backend)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("DNS_URL", &cfg.Upstream.DNS.URL)
	str("GEO_URL", &cfg.Upstream.Geo.URL)
	str("AI_URL", &cfg.Upstream.AI.URL)

	return errors.Join(
		num("REDIS_DB", &cfg.Redis.DB),
		num("CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries),
		flag("CACHE_SINGLE_FLIGHT", &cfg.Cache.SingleFlight),
		flag("TRUST_PROXY_HEADERS", &cfg.Server.TrustProxyHeaders),
	)
}

func (cfg *Root) Validate() error {
	var errs []error
	switch cfg.Limits.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("limits.backend: unknown backend %q", cfg.Limits.Backend))
	}
	for name, t := range cfg.Limits.Tiers {
		if t.Limit <= 0 || t.WindowMS <= 0 {
			errs = append(errs, fmt.Errorf("limits.tiers.%s: limit and window_ms must be positive", name))
		}
	}
	seen := map[string]struct{}{}
	prefixes := map[string]struct{}{}
	for i, rt := range cfg.Routes {
		if rt.ID == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: id is required", i))
		}
		if _, dup := seen[rt.ID]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate id %q", i, rt.ID))
		}
		if _, ok := reservedRouteIDs[rt.ID]; ok {
			errs = append(errs, fmt.Errorf("routes[%d]: id %q is reserved", i, rt.ID))
		}
		seen[rt.ID] = struct{}{}

		prefix := cleanPrefix(rt.Match.PathPrefix)
		switch {
		case rt.Match.PathPrefix == "":
			errs = append(errs, fmt.Errorf("routes[%d]: match.path_prefix is required", i))
		case cfg.reservedPath(prefix):
			errs = append(errs, fmt.Errorf("routes[%d]: path_prefix %q is served by toolgate", i, rt.Match.PathPrefix))
		}
		if _, dup := prefixes[prefix]; dup && rt.Match.PathPrefix != "" {
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate path_prefix %q", i, rt.Match.PathPrefix))
		}
		prefixes[prefix] = struct{}{}
		if rt.Upstream.URL == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: upstream.url is required", i))
		}
	}
	for i, k := range cfg.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			errs = append(errs, fmt.Errorf("auth.keys[%d]: id and secret are required", i))
		}
	}
	return errors.Join(errs...)
}

// Built-in routes. Configured routes may not reuse their IDs or paths.
var (
	reservedRouteIDs = map[string]struct{}{"ip": {}, "dns": {}, "ai": {}}
	reservedPaths    = []string{"/api/ip", "/api/dns", "/api/ai", "/health", "/version"}
)

func (cfg *Root) reservedPath(prefix string) bool {
	if prefix == cleanPrefix(cfg.Observability.PrometheusPath) {
		return true
	}
	for _, p := range reservedPaths {
		if prefix == p {
			return true
		}
	}
	return false
}

func cleanPrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
