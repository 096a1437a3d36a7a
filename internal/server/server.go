package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/toolgate/internal/api"
	"github.com/AlexKimmel/toolgate/internal/apierr"
	"github.com/AlexKimmel/toolgate/internal/auth"
	"github.com/AlexKimmel/toolgate/internal/cache"
	"github.com/AlexKimmel/toolgate/internal/config"
	"github.com/AlexKimmel/toolgate/internal/gateway"
	"github.com/AlexKimmel/toolgate/internal/lookup"
	"github.com/AlexKimmel/toolgate/internal/obs"
	"github.com/AlexKimmel/toolgate/internal/proxy"
	"github.com/AlexKimmel/toolgate/internal/ratelimit"
	"github.com/AlexKimmel/toolgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/toolgate/internal/ratelimit/redisstore"
	"github.com/AlexKimmel/toolgate/internal/routing"
)

type Options struct {
	Config  *config.Root
	Logger  zerolog.Logger
	Limiter ratelimit.Limiter // built from Config when nil
	Version string

	// Overrides for tests; production values come from Config.
	Registry  *prometheus.Registry
	Geo       lookup.GeoLocator
	DNS       api.Resolver
	Transport http.RoundTripper
	Now       func() time.Time
}

type Server struct {
	cfg     *config.Root
	log     zerolog.Logger
	router  *chi.Mux
	limiter ratelimit.Limiter
	server  *http.Server
}

// NewLimiter builds the limiter backend named by cfg.Limits.Backend.
func NewLimiter(ctx context.Context, cfg *config.Root) (ratelimit.Limiter, error) {
	switch cfg.Limits.Backend {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lim, err := redisstore.New(ctx, client,
			redisstore.WithPrefix(cfg.Redis.Prefix),
			redisstore.WithTimeout(cfg.Redis.Timeout()),
		)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return lim, nil
	default:
		return nil, fmt.Errorf("unknown limiter backend %q", cfg.Limits.Backend)
	}
}

func New(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := obs.NewMetrics(reg)

	tr := opts.Transport
	if tr == nil {
		tr = proxy.NewHTTPTransport()
	}

	rr, err := buildRoutes(cfg)
	if err != nil {
		return nil, err
	}

	handlers, err := buildHandlers(cfg, opts, tr, metrics)
	if err != nil {
		return nil, err
	}

	lim := opts.Limiter
	if lim == nil {
		if lim, err = NewLimiter(ctx, cfg); err != nil {
			return nil, fmt.Errorf("build limiter: %w", err)
		}
	}

	if ml, ok := lim.(*memory.Limiter); ok {
		metrics.TrackLimiterBuckets(func() int64 { return ml.Stats().Buckets })
	}

	skip := gateway.NewSkipSet("/health", "/version", cfg.Observability.PrometheusPath)
	clientIP := gateway.ClientIP(cfg.Server.TrustProxyHeaders)
	handlers.ClientIP = clientIP

	r := chi.NewRouter()
	if cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(obs.Logger(opts.Logger))
	r.Use(func(next http.Handler) http.Handler {
		return gateway.Chain(next,
			gateway.Recover(),
			gateway.BodyLimit(cfg.Server.MaxBodyBytes),
			gateway.RouteMatcher(rr, skip),
			metrics.Middleware(skip),
		)
	})

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	if store := auth.NewStatic(cfg.Auth.Header, pairs); store.Enabled() {
		r.Use(store.Middleware(skip))
	}

	r.Use(gateway.RateLimit(gateway.RateLimitOptions{
		Limiter:   lim,
		Tiers:     cfg.Limits.Policies(),
		KeyFn:     clientIP,
		Skip:      skip,
		OnLimited: metrics.OnLimited,
		OnError:   metrics.OnLimiterError,
		Now:       opts.Now,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierr.Write(w, http.StatusNotFound, "not_found", "The requested resource was not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierr.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "The requested method is not allowed for this resource", nil)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"` + version + `"}`))
	})
	r.Method(http.MethodGet, cfg.Observability.PrometheusPath, obs.Handler(reg))

	r.Get("/api/ip", handlers.IPLookup)
	r.Get("/api/dns", handlers.DNSLookup)

	ph := proxy.Handler(tr)
	for _, rt := range rr.Routes() {
		if rt.Upstream == nil {
			continue
		}
		r.Handle(rt.Prefix, ph)
		r.Handle(rt.Prefix+"/*", ph)
	}

	return &Server{cfg: cfg, log: opts.Logger, router: r, limiter: lim}, nil
}

// buildRoutes lists the in-process lookup routes, the AI route when an
// inference upstream is configured, then any proxied routes from config.
func buildRoutes(cfg *config.Root) (*routing.Router, error) {
	rr := routing.New()

	ip, err := routing.NewRoute("ip", "/api/ip", []string{http.MethodGet}, ratelimit.TierDefault, time.Duration(cfg.Upstream.Geo.TimeoutMS)*time.Millisecond, "")
	if err != nil {
		return nil, err
	}
	rr.Add(ip)

	dns, err := routing.NewRoute("dns", "/api/dns", []string{http.MethodGet}, ratelimit.TierDefault, time.Duration(cfg.Upstream.DNS.TimeoutMS)*time.Millisecond, "")
	if err != nil {
		return nil, err
	}
	rr.Add(dns)

	if cfg.Upstream.AI.URL != "" {
		ai, err := routing.NewRoute("ai", "/api/ai", []string{http.MethodPost}, ratelimit.TierAI, time.Duration(cfg.Upstream.AI.TimeoutMS)*time.Millisecond, cfg.Upstream.AI.URL)
		if err != nil {
			return nil, err
		}
		rr.Add(ai)
	}

	for _, rc := range cfg.Routes {
		rt, err := routing.NewRoute(rc.ID, rc.Match.PathPrefix, rc.Match.Methods, ratelimit.ParseTier(rc.Tier),
			time.Duration(rc.Upstream.TimeoutMS)*time.Millisecond, rc.Upstream.URL)
		if err != nil {
			return nil, err
		}
		rr.Add(rt)
	}
	return rr, nil
}

func buildHandlers(cfg *config.Root, opts Options, tr http.RoundTripper, observer cache.Observer) (*api.Handlers, error) {
	cacheOpts := []cache.Option{cache.WithCapacity(cfg.Cache.MaxEntries), cache.WithObserver(observer)}
	if cfg.Cache.SingleFlight {
		cacheOpts = append(cacheOpts, cache.WithSingleFlight())
	}
	ipCache, err := cache.New[lookup.IPInfo]("ip", cacheOpts...)
	if err != nil {
		return nil, err
	}
	dnsCache, err := cache.New[lookup.DNSAnswer]("dns", cacheOpts...)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Transport: tr}

	geo := opts.Geo
	if geo == nil {
		geo = lookup.NewHTTPLocator(cfg.Upstream.Geo.URL, client, cfg.Upstream.Geo.RPS, cfg.Upstream.Geo.Burst)
	}
	var dns api.Resolver = opts.DNS
	if dns == nil {
		dns = lookup.NewDoHResolver(cfg.Upstream.DNS.URL, client, cfg.Upstream.DNS.RPS, cfg.Upstream.DNS.Burst)
	}

	return &api.Handlers{
		IPCache:        ipCache,
		DNSCache:       dnsCache,
		Geo:            geo,
		DNS:            dns,
		UseEdgeHeaders: cfg.Upstream.Geo.UseHeaders,
		IPTTL:          cfg.Cache.IPTTL(),
		DNSTTL:         cfg.Cache.DNSTTL(),
		IPTimeout:      time.Duration(cfg.Upstream.Geo.TimeoutMS) * time.Millisecond,
		DNSTimeout:     time.Duration(cfg.Upstream.DNS.TimeoutMS) * time.Millisecond,
		Now:            opts.Now,
	}, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and blocks until the server stops.
// It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout(),
		WriteTimeout:      s.cfg.Server.WriteTimeout(),
		IdleTimeout:       s.cfg.Server.IdleTimeout(),
	}

	s.log.Info().Str("addr", s.server.Addr).Str("limiter", s.cfg.Limits.Backend).Msg("listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then releases the limiter backend.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}
	errs = append(errs, s.limiter.Close())
	return errors.Join(errs...)
}
