package lim

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"ciphernotes/svc/util"
)

const (
	maxBuckets     = 10000
	bucketIdle     = 30 * time.Minute
	adaptiveWindow = 60 * time.Second
	maxForwardHops = 100
)

// Endpoint classes limited independently.
const (
	EndpointCreate = "create"
	EndpointRead   = "read"
	EndpointWrite  = "write"
)

// Counter is a shared fixed-window counter. It returns the usage of key in
// the current window after counting this call.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter applies per-endpoint limits. Local buckets live in an expiring LRU
// keyed by client address and endpoint, so idle or excess clients age out
// without a sweep.
type Limiter struct {
	counter   Counter
	proxies   Proxies
	buckets   *expirable.LRU[string, *rate.Limiter]
	detector  *AnomalyDetector
	adaptive  atomic.Int64
	perMinute int
	burst     int
	globalRPM int
}

// New builds a limiter. counter may be nil, in which case only the local
// per-IP buckets apply. It panics on a malformed trusted proxy entry.
func New(globalRPM, perIPBurst, perIPPerMinute int, counter Counter, trustedProxies []string) *Limiter {
	proxies, err := ParseProxies(trustedProxies)
	if err != nil {
		panic(err)
	}
	l := &Limiter{
		counter:   counter,
		proxies:   proxies,
		buckets:   expirable.NewLRU[string, *rate.Limiter](maxBuckets, nil, bucketIdle),
		perMinute: perIPPerMinute,
		burst:     perIPBurst,
		globalRPM: globalRPM,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	return l
}

func (l *Limiter) Stop() {
	l.detector.Stop()
}

// TriggerAdaptiveMode halves every limit for the next minute.
func (l *Limiter) TriggerAdaptiveMode() {
	l.adaptive.Store(time.Now().Add(adaptiveWindow).UnixNano())
}

func (l *Limiter) isAdaptive(now time.Time) bool {
	return now.UnixNano() < l.adaptive.Load()
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

// ClientIP resolves the caller's address through the trusted proxies.
func (l *Limiter) ClientIP(r *http.Request) string {
	return l.proxies.ClientIP(r)
}

// CheckLimit counts r against endpoint. With a shared counter the limit is
// global across instances; a counter failure falls back to the local
// per-IP buckets.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	now := time.Now()
	ip := l.proxies.ClientIP(r)
	if l.counter == nil {
		return l.checkLocal(now, ip, endpoint)
	}
	limit := halveIf(l.globalRPM, l.isAdaptive(now))
	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()
	used, err := l.counter.RateLimit(ctx, "global:"+endpoint, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Str("endpoint", endpoint).Msg("shared rate limit unavailable, using local fallback")
		return l.checkLocal(now, ip, endpoint)
	}
	return &RateLimitResult{
		Allowed:   used <= limit,
		Limit:     limit,
		Remaining: max(limit-used, 0),
		Reset:     now.Add(time.Minute),
	}
}

func (l *Limiter) checkLocal(now time.Time, ip, endpoint string) *RateLimitResult {
	limit := halveIf(l.perMinute, l.isAdaptive(now))
	burst := limit
	if l.burst > 0 && l.burst < burst {
		burst = l.burst
	}
	every := rate.Limit(float64(limit) / 60)

	key := ip + "|" + endpoint
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(every, burst)
		l.buckets.Add(key, b)
	} else if b.Limit() != every {
		// Adaptive mode tightens buckets that already exist.
		b.SetLimitAt(now, every)
		b.SetBurstAt(now, burst)
	}
	res := &RateLimitResult{Limit: limit, Reset: now.Add(time.Minute)}
	if b.AllowN(now, 1) {
		res.Allowed = true
		res.Remaining = max(int(b.TokensAt(now)), 0)
	}
	return res
}

func halveIf(limit int, adaptive bool) int {
	if !adaptive {
		return limit
	}
	return max(limit/2, 1)
}

// Proxies is a parsed TRUSTED_PROXIES list of addresses and CIDR ranges.
type Proxies []netip.Prefix

func ParseProxies(list []string) (Proxies, error) {
	out := make(Proxies, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR in trusted proxies: %s: %w", s, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid IP in trusted proxies: %s", s)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (p Proxies) trusts(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, pre := range p {
		if pre.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns the direct peer unless it is a trusted proxy, in which
// case X-Forwarded-For is walked right to left to the first untrusted hop.
// Unparseable hops are skipped.
func (p Proxies) ClientIP(r *http.Request) string {
	peer := stripPort(r.RemoteAddr)
	if len(p) == 0 || !p.trusts(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	if len(hops) > maxForwardHops {
		util.Warn().Int("hops", len(hops)).Msg("X-Forwarded-For truncated")
		hops = hops[len(hops)-maxForwardHops:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			util.Warn().Str("ip", util.RedactIP(hop)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !p.trusts(hop) {
			return hop
		}
	}
	return peer
}

func stripPort(addr string) string {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap().String()
	}
	return addr
}
