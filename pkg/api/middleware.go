package api

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
)

// limiterIdle is how long an unused client limiter survives a cleanup
const limiterIdle = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Middleware handles rate limiting, access control and request accounting
type Middleware struct {
	rps     float64
	burst   int
	allowed []string
	logger  zerolog.Logger

	mu           sync.Mutex
	rateLimiters map[string]*clientLimiter
	now          func() time.Time
}

// NewMiddleware creates a middleware handler. A zero rps disables rate
// limiting; an empty allow list admits every client.
func NewMiddleware(rps float64, burst int, allowed []string) *Middleware {
	if burst <= 0 && rps > 0 {
		burst = int(rps) + 1
	}
	return &Middleware{
		rps:          rps,
		burst:        burst,
		allowed:      allowed,
		logger:       log.WithComponent("api"),
		rateLimiters: make(map[string]*clientLimiter),
		now:          time.Now,
	}
}

// Wrap applies recovery, access control, rate limiting and metrics to h.
// route labels the request metrics.
func (m *Middleware) Wrap(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				m.logger.Error().
					Str("route", route).
					Interface("panic", p).
					Str("stack", string(debug.Stack())).
					Msg("Handler panic")
				if !rec.wrote {
					writeError(rec, http.StatusInternalServerError, "internal error")
				}
			}
			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			m.logger.Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("Request")
		}()

		if ok, reason := m.CheckAccessControl(r); !ok {
			writeError(rec, http.StatusForbidden, reason)
			return
		}
		if !m.CheckRateLimit(r) {
			metrics.RateLimited.Inc()
			rec.Header().Set("Retry-After", "1")
			writeError(rec, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h.ServeHTTP(rec, r)
	})
}

// CheckRateLimit reports whether the client still has budget
func (m *Middleware) CheckRateLimit(r *http.Request) bool {
	if m.rps <= 0 {
		return true
	}

	clientIP := getClientIP(r)

	m.mu.Lock()
	cl, exists := m.rateLimiters[clientIP]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(m.rps), m.burst)}
		m.rateLimiters[clientIP] = cl
	}
	cl.lastSeen = m.now()
	m.mu.Unlock()

	allowed := cl.limiter.Allow()
	if !allowed {
		m.logger.Warn().Str("client", clientIP).Msg("Rate limit exceeded")
	}
	return allowed
}

// CheckAccessControl matches the client against the allow list
func (m *Middleware) CheckAccessControl(r *http.Request) (bool, string) {
	if len(m.allowed) == 0 {
		return true, ""
	}

	clientIP := getClientIP(r)
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, "invalid client address"
	}
	for _, cidr := range m.allowed {
		if matchCIDR(ip, cidr) {
			return true, ""
		}
	}
	m.logger.Warn().Str("client", clientIP).Msg("Access denied")
	return false, "access denied"
}

// CleanupRateLimiters drops limiters idle for longer than limiterIdle
func (m *Middleware) CleanupRateLimiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-limiterIdle)
	removed := 0
	for ip, cl := range m.rateLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(m.rateLimiters, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupJob runs CleanupRateLimiters until stop is closed
func (m *Middleware) StartCleanupJob(stop <-chan struct{}) {
	ticker := time.NewTicker(limiterIdle)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.CleanupRateLimiters(); n > 0 {
					m.logger.Debug().Int("removed", n).Msg("Dropped idle rate limiters")
				}
			case <-stop:
				return
			}
		}
	}()
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

// Flush lets the event stream push through the recorder
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// matchCIDR checks if an IP matches a CIDR range or a single address
func matchCIDR(ip net.IP, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		parsed := net.ParseIP(cidr)
		return parsed != nil && ip.Equal(parsed)
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
