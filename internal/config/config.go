// Package config loads gateway settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	defaultEndpoints = "POST /auth/signin:10:60:sensitive," +
		"POST /auth/signup:5:60:sensitive," +
		"POST /auth/password/reset:5:60:sensitive"
	defaultTiers         = "community:100,pro:1000,scale:5000,enterprise:10000"
	defaultExcludedPaths = "/health,/ready,/.well-known/jwks.json"
)

// privateNetworks receive the private network multiplier.
var privateNetworks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
}

type EndpointRule struct {
	Method    string
	Pattern   string
	Limit     int
	Window    time.Duration
	Sensitive bool
	Priority  int
}

type TierRule struct {
	Name   string
	Limit  int
	Window time.Duration
}

type RateLimit struct {
	Enabled                  bool
	DefaultLimit             int
	Window                   time.Duration
	PrivateNetworkMultiplier float64
	Endpoints                []EndpointRule
	Tiers                    []TierRule
	DefaultTier              string
	Whitelist                []string
	WhitelistTenants         []string
	TrustedProxies           []string
	ExcludedPaths            []string
	StoreTimeout             time.Duration
	KeyPrefix                string
}

type Redis struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

type LoadConfig struct {
	Enabled bool
	// Source is "cpu", "loadavg" or "redis".
	Source    string
	Interval  time.Duration
	Publish   bool
	Smoothing float64
	Timeout   time.Duration

	// ErrorRate lowers endpoint limits for routes whose upstream keeps failing.
	ErrorRate           bool
	ErrorRateWindow     time.Duration
	ErrorRateMinSamples int64
}

type Ban struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

type Stats struct {
	Redis        bool
	Prefix       string
	TTL          time.Duration
	Bucket       string
	TrackClients bool
}

type Concurrency struct {
	Max     int
	Timeout time.Duration
}

type Config struct {
	ListenAddr     string
	UpstreamURL    string
	MetricsAddr    string
	LogLevel       string
	LogDevelopment bool

	RateLimit   RateLimit
	Redis       Redis
	Load        LoadConfig
	Ban         Ban
	Stats       Stats
	Concurrency Concurrency
}

// Loader reads Config and can watch its file for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader. path may be empty to use only the environment.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("rate_limit.trusted_proxies", "RATE_LIMIT_TRUSTED_PROXIES", "TRUSTED_PROXIES")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path}
}

// Load is NewLoader(path).Load().
func Load(path string) (Config, error) {
	return NewLoader(path).Load()
}

// Load preloads .env (if present), reads the config file and decodes it.
func (l *Loader) Load() (Config, error) {
	_ = godotenv.Load()
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

// Watch calls fn with the freshly decoded Config after every write to the
// config file. Load must have succeeded first.
func (l *Loader) Watch(fn func(Config, error)) error {
	if l.path == "" {
		return errors.New("config watch needs a config file")
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("upstream_url", "")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_limit", 100)
	v.SetDefault("rate_limit.window", "60")
	v.SetDefault("rate_limit.private_network_multiplier", 2.0)
	v.SetDefault("rate_limit.endpoints", defaultEndpoints)
	v.SetDefault("rate_limit.tiers", defaultTiers)
	v.SetDefault("rate_limit.default_tier", "community")
	v.SetDefault("rate_limit.whitelist", "")
	v.SetDefault("rate_limit.whitelist_tenants", "")
	v.SetDefault("rate_limit.trusted_proxies", "")
	v.SetDefault("rate_limit.excluded_paths", defaultExcludedPaths)
	v.SetDefault("rate_limit.store_timeout", "50ms")
	v.SetDefault("rate_limit.key_prefix", "rl")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("load.enabled", true)
	v.SetDefault("load.source", "cpu")
	v.SetDefault("load.interval", "10s")
	v.SetDefault("load.publish", false)
	v.SetDefault("load.smoothing", 0.0)
	v.SetDefault("load.timeout", "2s")
	v.SetDefault("load.error_rate", false)
	v.SetDefault("load.error_rate_window", "5m")
	v.SetDefault("load.error_rate_min_samples", 20)

	v.SetDefault("ban.threshold", 10)
	v.SetDefault("ban.window", "1h")
	v.SetDefault("ban.duration", "1h")

	v.SetDefault("stats.redis", false)
	v.SetDefault("stats.prefix", "rl:stats")
	v.SetDefault("stats.ttl", "24h")
	v.SetDefault("stats.bucket", "minute")
	v.SetDefault("stats.track_clients", false)

	v.SetDefault("concurrency.max", 100)
	v.SetDefault("concurrency.timeout", "0s")
}

func (l *Loader) decode() (Config, error) {
	v := l.v
	cfg := Config{
		ListenAddr:     v.GetString("listen_addr"),
		UpstreamURL:    v.GetString("upstream_url"),
		MetricsAddr:    v.GetString("metrics_addr"),
		LogLevel:       v.GetString("log.level"),
		LogDevelopment: v.GetBool("log.development"),
		Redis: Redis{
			URL:      v.GetString("redis.url"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Load: LoadConfig{
			Enabled:   v.GetBool("load.enabled"),
			Source:    strings.ToLower(strings.TrimSpace(v.GetString("load.source"))),
			Interval:  v.GetDuration("load.interval"),
			Publish:   v.GetBool("load.publish"),
			Smoothing: v.GetFloat64("load.smoothing"),
			Timeout:   v.GetDuration("load.timeout"),

			ErrorRate:           v.GetBool("load.error_rate"),
			ErrorRateWindow:     v.GetDuration("load.error_rate_window"),
			ErrorRateMinSamples: v.GetInt64("load.error_rate_min_samples"),
		},
		Ban: Ban{
			Threshold: v.GetInt("ban.threshold"),
			Window:    v.GetDuration("ban.window"),
			Duration:  v.GetDuration("ban.duration"),
		},
		Stats: Stats{
			Redis:        v.GetBool("stats.redis"),
			Prefix:       v.GetString("stats.prefix"),
			TTL:          v.GetDuration("stats.ttl"),
			Bucket:       v.GetString("stats.bucket"),
			TrackClients: v.GetBool("stats.track_clients"),
		},
		Concurrency: Concurrency{
			Max:     v.GetInt("concurrency.max"),
			Timeout: v.GetDuration("concurrency.timeout"),
		},
	}

	window, err := parseWindow(v.Get("rate_limit.window"))
	if err != nil {
		return Config{}, &domain.ConfigError{Field: "rate_limit.window", Reason: err.Error()}
	}
	endpoints, err := parseEndpoints(v.Get("rate_limit.endpoints"), window)
	if err != nil {
		return Config{}, err
	}
	tiers, err := parseTiers(v.Get("rate_limit.tiers"), window)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimit = RateLimit{
		Enabled:                  v.GetBool("rate_limit.enabled"),
		DefaultLimit:             v.GetInt("rate_limit.default_limit"),
		Window:                   window,
		PrivateNetworkMultiplier: v.GetFloat64("rate_limit.private_network_multiplier"),
		Endpoints:                endpoints,
		Tiers:                    tiers,
		DefaultTier:              strings.ToLower(strings.TrimSpace(v.GetString("rate_limit.default_tier"))),
		Whitelist:                list(v.Get("rate_limit.whitelist")),
		WhitelistTenants:         list(v.Get("rate_limit.whitelist_tenants")),
		TrustedProxies:           list(v.Get("rate_limit.trusted_proxies")),
		ExcludedPaths:            list(v.Get("rate_limit.excluded_paths")),
		StoreTimeout:             v.GetDuration("rate_limit.store_timeout"),
		KeyPrefix:                v.GetString("rate_limit.key_prefix"),
	}
	return cfg, nil
}

// PolicySet turns the rate limit tables into the domain policy set. The set
// is checked again by the resolver; here only parse errors are reported.
func (c Config) PolicySet() (domain.PolicySet, error) {
	rl := c.RateLimit
	set := domain.PolicySet{
		DefaultTier:   rl.DefaultTier,
		AllowTenants:  rl.WhitelistTenants,
		ExcludedPaths: rl.ExcludedPaths,
	}

	for _, e := range rl.Endpoints {
		name := strings.TrimSpace(e.Method + " " + e.Pattern)
		set.Endpoints = append(set.Endpoints, domain.Policy{
			Name:      name,
			Scope:     domain.ScopeEndpoint,
			Matcher:   domain.Matcher{Method: e.Method, Pattern: e.Pattern},
			Limit:     e.Limit,
			Window:    e.Window,
			Priority:  e.Priority,
			Sensitive: e.Sensitive,
		})
	}
	for _, t := range rl.Tiers {
		set.Tiers = append(set.Tiers, domain.Policy{
			Name:    "tier:" + t.Name,
			Scope:   domain.ScopeTenant,
			Matcher: domain.Matcher{Tier: t.Name},
			Limit:   t.Limit,
			Window:  t.Window,
		})
	}
	if len(set.Tiers) == 0 {
		set.DefaultTier = ""
	}

	set.IP = append(set.IP, domain.Policy{
		Name:   "ip",
		Scope:  domain.ScopeIP,
		Limit:  rl.DefaultLimit,
		Window: rl.Window,
	})
	if m := rl.PrivateNetworkMultiplier; m > 0 && m != 1 && rl.DefaultLimit > 0 {
		limit := int(math.Floor(float64(rl.DefaultLimit) * m))
		if limit < 1 {
			limit = 1
		}
		for _, cidr := range privateNetworks {
			set.IP = append(set.IP, domain.Policy{
				Name:     "ip:private",
				Scope:    domain.ScopeIP,
				Matcher:  domain.Matcher{Prefix: netip.MustParsePrefix(cidr)},
				Limit:    limit,
				Window:   rl.Window,
				Priority: 10,
			})
		}
	}

	for _, s := range rl.Whitelist {
		pfx, err := domain.ParsePrefix(s)
		if err != nil {
			return domain.PolicySet{}, &domain.ConfigError{Field: "rate_limit.whitelist", Reason: fmt.Sprintf("%q: %v", s, err)}
		}
		set.AllowIPs = append(set.AllowIPs, pfx)
	}
	return set, nil
}

// list accepts a comma separated string or a YAML sequence.
func list(raw any) []string {
	var items []string
	if s, ok := raw.(string); ok {
		items = strings.Split(s, ",")
	} else {
		items = cast.ToStringSlice(raw)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

// parseWindow reads bare numbers as seconds and anything else as a Go duration.
func parseWindow(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, errors.New("missing window")
	case time.Duration:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("window %q: %w", s, err)
		}
		return d, nil
	default:
		n, err := cast.ToIntE(v)
		if err != nil {
			return 0, fmt.Errorf("window %v: %w", v, err)
		}
		return time.Duration(n) * time.Second, nil
	}
}

func parseEndpoints(raw any, defWindow time.Duration) ([]EndpointRule, error) {
	if s, ok := raw.(string); ok {
		var out []EndpointRule
		for i, entry := range list(s) {
			r, err := parseEndpointEntry(entry, defWindow)
			if err != nil {
				return nil, &domain.ConfigError{Field: fmt.Sprintf("rate_limit.endpoints[%d]", i), Reason: err.Error()}
			}
			out = append(out, r)
		}
		return out, nil
	}

	var out []EndpointRule
	for i, item := range cast.ToSlice(raw) {
		field := fmt.Sprintf("rate_limit.endpoints[%d]", i)
		if s, ok := item.(string); ok {
			r, err := parseEndpointEntry(s, defWindow)
			if err != nil {
				return nil, &domain.ConfigError{Field: field, Reason: err.Error()}
			}
			out = append(out, r)
			continue
		}
		m := cast.ToStringMap(item)
		pattern := cast.ToString(m["path"])
		if pattern == "" {
			pattern = cast.ToString(m["pattern"])
		}
		r := EndpointRule{
			Method:    strings.ToUpper(strings.TrimSpace(cast.ToString(m["method"]))),
			Pattern:   strings.TrimSpace(pattern),
			Limit:     cast.ToInt(m["limit"]),
			Window:    defWindow,
			Sensitive: cast.ToBool(m["sensitive"]),
			Priority:  len(strings.TrimSpace(pattern)),
		}
		if w, ok := m["window"]; ok {
			d, err := parseWindow(w)
			if err != nil {
				return nil, &domain.ConfigError{Field: field, Reason: err.Error()}
			}
			r.Window = d
		}
		if p, ok := m["priority"]; ok {
			r.Priority = cast.ToInt(p)
		}
		out = append(out, r)
	}
	return out, nil
}

// parseEndpointEntry reads "[METHOD ]/path:limit[:window][:sensitive]". The
// path may itself contain ":id" segments, so fields are taken from the right.
func parseEndpointEntry(entry string, defWindow time.Duration) (EndpointRule, error) {
	r := EndpointRule{Window: defWindow}
	entry = strings.TrimSpace(entry)
	if method, rest, ok := strings.Cut(entry, " "); ok && !strings.HasPrefix(method, "/") {
		r.Method = strings.ToUpper(method)
		entry = strings.TrimSpace(rest)
	}

	parts := strings.Split(entry, ":")
	if n := len(parts); n > 0 && strings.EqualFold(parts[n-1], "sensitive") {
		r.Sensitive = true
		parts = parts[:n-1]
	}

	// trailing numeric fields are limit and optionally window
	var nums []int
	for len(parts) > 1 && len(nums) < 2 {
		n, err := strconv.Atoi(strings.TrimSpace(parts[len(parts)-1]))
		if err != nil {
			break
		}
		nums = append([]int{n}, nums...)
		parts = parts[:len(parts)-1]
	}
	switch len(nums) {
	case 0:
		return EndpointRule{}, fmt.Errorf("entry %q: missing limit", entry)
	case 1:
		r.Limit = nums[0]
	default:
		r.Limit = nums[0]
		r.Window = time.Duration(nums[1]) * time.Second
	}
	r.Pattern = strings.Join(parts, ":")
	r.Priority = len(r.Pattern)
	return r, nil
}

func parseTiers(raw any, defWindow time.Duration) ([]TierRule, error) {
	if s, ok := raw.(string); ok {
		var out []TierRule
		for i, entry := range list(s) {
			parts := strings.Split(entry, ":")
			field := fmt.Sprintf("rate_limit.tiers[%d]", i)
			if len(parts) < 2 || len(parts) > 3 {
				return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("entry %q: want tier:limit[:window]", entry)}
			}
			limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("entry %q: bad limit", entry)}
			}
			t := TierRule{Name: strings.ToLower(strings.TrimSpace(parts[0])), Limit: limit, Window: defWindow}
			if len(parts) == 3 {
				d, err := parseWindow(parts[2])
				if err != nil {
					return nil, &domain.ConfigError{Field: field, Reason: err.Error()}
				}
				t.Window = d
			}
			out = append(out, t)
		}
		return out, nil
	}

	var out []TierRule
	for i, item := range cast.ToSlice(raw) {
		m := cast.ToStringMap(item)
		t := TierRule{
			Name:   strings.ToLower(strings.TrimSpace(cast.ToString(m["name"]))),
			Limit:  cast.ToInt(m["limit"]),
			Window: defWindow,
		}
		if w, ok := m["window"]; ok {
			d, err := parseWindow(w)
			if err != nil {
				return nil, &domain.ConfigError{Field: fmt.Sprintf("rate_limit.tiers[%d]", i), Reason: err.Error()}
			}
			t.Window = d
		}
		out = append(out, t)
	}
	return out, nil
}
