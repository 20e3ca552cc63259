package ratelimit

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultMaxTrackedIPs bounds the per-IP state kept for each bucket
const DefaultMaxTrackedIPs = 10000

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidConfig     = errors.New("invalid rate limit configuration")
)

// BucketConfig describes one token bucket. RateLimit points are available
// per Duration; once exhausted the caller is refused for BlockDuration.
type BucketConfig struct {
	Endpoint      string        `mapstructure:"endpoint" json:"endpoint,omitempty"`
	RateLimit     int           `mapstructure:"rateLimit" json:"rateLimit"`
	Duration      time.Duration `mapstructure:"duration" json:"duration"`
	BlockDuration time.Duration `mapstructure:"blockDuration" json:"blockDuration"`
}

func (c BucketConfig) validate() error {
	if c.RateLimit <= 0 || c.Duration <= 0 {
		return fmt.Errorf("%w: bucket %q needs a positive rateLimit and duration", ErrInvalidConfig, c.Endpoint)
	}
	if c.BlockDuration < 0 {
		return fmt.Errorf("%w: bucket %q has a negative blockDuration", ErrInvalidConfig, c.Endpoint)
	}
	return nil
}

// Config holds the global bucket and the optional per-endpoint buckets
type Config struct {
	Global        BucketConfig   `mapstructure:"global"`
	Endpoints     []BucketConfig `mapstructure:"endpoints"`
	MaxTrackedIPs int            `mapstructure:"maxTrackedIPs"`
}

// Validate checks every bucket
func (c Config) Validate() error {
	if err := c.Global.validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, b := range c.Endpoints {
		if b.Endpoint == "" {
			return fmt.Errorf("%w: endpoint bucket without a name", ErrInvalidConfig)
		}
		if seen[b.Endpoint] {
			return fmt.Errorf("%w: duplicate bucket for endpoint %q", ErrInvalidConfig, b.Endpoint)
		}
		seen[b.Endpoint] = true
		if err := b.validate(); err != nil {
			return err
		}
	}
	return nil
}

type bucket struct {
	cfg BucketConfig
	ips *lru.Cache[string, *rate.Limiter]
	// blocked lives outside the LRU so evicting an address never lifts
	// its penalty. Expired entries are swept once the map reaches maxIPs.
	blocked map[string]time.Time
	maxIPs  int
}

func newBucket(cfg BucketConfig, maxIPs int) (*bucket, error) {
	ips, err := lru.New[string, *rate.Limiter](maxIPs)
	if err != nil {
		return nil, err
	}
	return &bucket{cfg: cfg, ips: ips, blocked: make(map[string]time.Time), maxIPs: maxIPs}, nil
}

func (b *bucket) isBlocked(ip string, now time.Time) bool {
	until, ok := b.blocked[ip]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(b.blocked, ip)
	return false
}

func (b *bucket) block(ip string, now time.Time) {
	if len(b.blocked) >= b.maxIPs {
		for k, until := range b.blocked {
			if !now.Before(until) {
				delete(b.blocked, k)
			}
		}
	}
	b.blocked[ip] = now.Add(b.cfg.BlockDuration)
}

// consume takes one point for ip and reports whether one was available
func (b *bucket) consume(ip string, now time.Time) bool {
	if b.isBlocked(ip, now) {
		return false
	}
	lim, ok := b.ips.Get(ip)
	if !ok {
		every := b.cfg.Duration / time.Duration(b.cfg.RateLimit)
		lim = rate.NewLimiter(rate.Every(every), b.cfg.RateLimit)
		b.ips.Add(ip, lim)
	}
	if lim.AllowN(now, 1) {
		return true
	}
	if b.cfg.BlockDuration > 0 {
		b.block(ip, now)
	}
	return false
}

// exhausted reports, without consuming, whether ip has no point left
func (b *bucket) exhausted(ip string, now time.Time) bool {
	if until, ok := b.blocked[ip]; ok && now.Before(until) {
		return true
	}
	lim, ok := b.ips.Peek(ip)
	if !ok {
		return false
	}
	return lim.TokensAt(now) < 1
}

// Option configures a RateLimiter
type Option func(*RateLimiter)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *RateLimiter) { r.now = now }
}

// RateLimiter allows a request only when the caller has budget on the global
// bucket and on the bucket of the endpoint it calls, if one is configured.
// Whitelisted addresses are never limited.
type RateLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	whitelist whitelist
	global    *bucket
	endpoints map[string]*bucket
}

// New builds a limiter. Whitelist entries are IP literals, glob patterns
// such as "127.*", or CIDR prefixes.
func New(whitelistPatterns []string, cfg Config, opts ...Option) (*RateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wl, err := newWhitelist(whitelistPatterns)
	if err != nil {
		return nil, err
	}
	maxIPs := cfg.MaxTrackedIPs
	if maxIPs <= 0 {
		maxIPs = DefaultMaxTrackedIPs
	}

	r := &RateLimiter{
		now:       time.Now,
		whitelist: wl,
		endpoints: make(map[string]*bucket, len(cfg.Endpoints)),
	}
	if r.global, err = newBucket(cfg.Global, maxIPs); err != nil {
		return nil, err
	}
	for _, bc := range cfg.Endpoints {
		b, err := newBucket(bc, maxIPs)
		if err != nil {
			return nil, err
		}
		r.endpoints[bc.Endpoint] = b
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Consume spends one point of the global bucket and then one of endpoint's
// bucket. An empty endpoint, or one without a bucket, only uses the global one.
func (r *RateLimiter) Consume(ip, endpoint string) error {
	if r.whitelist.match(ip) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if !r.global.consume(ip, now) {
		return fmt.Errorf("%w: %s", ErrRateLimitExceeded, ip)
	}
	if b, ok := r.endpoints[endpoint]; ok && !b.consume(ip, now) {
		return fmt.Errorf("%w: %s on %s", ErrRateLimitExceeded, ip, endpoint)
	}
	return nil
}

// HasExceededRateLimit consumes a point like Consume and reports whether the
// request must be refused.
func (r *RateLimiter) HasExceededRateLimit(ip, endpoint string) bool {
	return r.Consume(ip, endpoint) != nil
}

// IsBlocked reports whether ip has no global budget left right now. It does
// not consume anything.
func (r *RateLimiter) IsBlocked(ip string) bool {
	if r.whitelist.match(ip) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global.exhausted(ip, r.now())
}

// IsWhitelisted reports whether ip bypasses every bucket
func (r *RateLimiter) IsWhitelisted(ip string) bool {
	return r.whitelist.match(ip)
}

type whitelist struct {
	exact    map[string]bool
	globs    []string
	prefixes []netip.Prefix
}

func newWhitelist(patterns []string) (whitelist, error) {
	wl := whitelist{exact: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			continue
		case strings.Contains(p, "/"):
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return whitelist{}, fmt.Errorf("%w: whitelist entry %q: %v", ErrInvalidConfig, p, err)
			}
			wl.prefixes = append(wl.prefixes, prefix.Masked())
		case strings.ContainsAny(p, "*?["):
			if _, err := path.Match(p, ""); err != nil {
				return whitelist{}, fmt.Errorf("%w: whitelist entry %q: %v", ErrInvalidConfig, p, err)
			}
			wl.globs = append(wl.globs, p)
		default:
			if net.ParseIP(p) == nil {
				return whitelist{}, fmt.Errorf("%w: whitelist entry %q is not an IP", ErrInvalidConfig, p)
			}
			wl.exact[p] = true
		}
	}
	return wl, nil
}

func (w whitelist) match(ip string) bool {
	if w.exact[ip] {
		return true
	}
	for _, g := range w.globs {
		if ok, _ := path.Match(g, ip); ok {
			return true
		}
	}
	if len(w.prefixes) > 0 {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range w.prefixes {
			if p.Contains(addr) {
				return true
			}
		}
	}
	return false
}

// ValidateWhitelist checks whitelist patterns without building a limiter
func ValidateWhitelist(patterns []string) error {
	_, err := newWhitelist(patterns)
	return err
}
