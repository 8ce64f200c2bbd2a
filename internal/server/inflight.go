package server

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/lawnchairsociety/tileforge/internal/config"
	"github.com/lawnchairsociety/tileforge/internal/logger"
)

// InflightLimiter caps the generation requests running at once, per client
// and overall. A request over either cap is answered with 429 instead of
// waiting on the device gate.
type InflightLimiter struct {
	mu        sync.Mutex
	byClient  map[string]int
	total     int
	perClient int // 0 = unlimited
	overall   int // 0 = unlimited
}

// NewInflightLimiter creates a limiter from the connections config.
func NewInflightLimiter(cfg config.ConnectionsConfig) *InflightLimiter {
	return &InflightLimiter{
		byClient:  make(map[string]int),
		perClient: cfg.MaxPerIP,
		overall:   cfg.MaxTotal,
	}
}

func (l *InflightLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.overall > 0 && l.total >= l.overall {
		return false
	}
	if l.perClient > 0 && l.byClient[ip] >= l.perClient {
		return false
	}
	l.byClient[ip]++
	l.total++
	return true
}

func (l *InflightLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.byClient[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.byClient, ip)
	} else {
		l.byClient[ip] = n - 1
	}
	l.total--
}

// InFlight returns the number of generation requests currently running.
func (l *InflightLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// ClientInFlight returns the running generation requests of one client.
func (l *InflightLimiter) ClientInFlight(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byClient[ip]
}

// Wrap holds a slot while next runs. The slot is returned however next
// finishes, including a panic.
func (l *InflightLimiter) Wrap(clientIP func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.acquire(ip) {
			logger.Warning("Generation request rejected, too many in flight",
				"client_ip", ip,
				"path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "too many generation requests in flight")
			return
		}
		defer l.release(ip)
		next.ServeHTTP(w, r)
	})
}

// clientIPResolver returns how requests are attributed to clients. Proxy
// headers are only believed when the server sits behind a trusted proxy.
func clientIPResolver(trustProxy bool) func(*http.Request) string {
	if trustProxy {
		return forwardedIP
	}
	return peerIP
}

// peerIP is the host of the TCP peer.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedIP takes the left-most X-Forwarded-For entry, then X-Real-IP,
// then the TCP peer.
func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peerIP(r)
}
