package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 60
	limiterIdleTTL   = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter is a token bucket per client IP. A full bucket holds one
// minute's allowance.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
	lastGC   time.Time
	trusted  *TrustedProxies
}

// NewIPRateLimiter allows perMinute requests per IP per minute. Forwarding
// headers are only read from peers in trusted, which may be nil.
func NewIPRateLimiter(perMinute int, trusted *TrustedProxies) *IPRateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRateLimit
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
		trusted:  trusted,
	}
}

// Allow checks whether the given IP is within the rate limit.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastGC) > limiterIdleTTL {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lastGC = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Middleware wraps an http.Handler with rate limiting.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r, rl.trusted)) {
			w.Header().Set("Retry-After", "60")
			writeErrorMessage(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TrustedProxies holds the proxy ranges allowed to report the client
// address in X-Forwarded-For.
type TrustedProxies struct {
	cidrs []*net.IPNet
}

// ParseTrustedProxies parses IPs and CIDRs, returning the entries it could
// not parse. It returns nil when nothing valid was given.
func ParseTrustedProxies(entries []string) (*TrustedProxies, []string) {
	var cidrs []*net.IPNet
	var invalid []string
	for _, entry := range entries {
		value := strings.TrimSpace(entry)
		if value == "" {
			continue
		}
		if strings.Contains(value, "/") {
			_, cidr, err := net.ParseCIDR(value)
			if err != nil {
				invalid = append(invalid, value)
				continue
			}
			cidrs = append(cidrs, cidr)
			continue
		}
		ip := net.ParseIP(value)
		if ip == nil {
			invalid = append(invalid, value)
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		cidrs = append(cidrs, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	if len(cidrs) == 0 {
		return nil, invalid
	}
	return &TrustedProxies{cidrs: cidrs}, invalid
}

// IsTrusted reports whether ip falls in a trusted range.
func (tp *TrustedProxies) IsTrusted(ip string) bool {
	if tp == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range tp.cidrs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the address requests from r are limited by. X-Forwarded-For
// is only honoured when the peer is a trusted proxy, and then the right-most
// untrusted hop is used.
func ClientIP(r *http.Request, tp *TrustedProxies) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !tp.IsTrusted(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !tp.IsTrusted(hop) {
			return hop
		}
	}
	return peer
}
