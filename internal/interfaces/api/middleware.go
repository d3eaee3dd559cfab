package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/masjids-io/chatspot/internal/auth"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const identityKey = "identity"

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id, ok := identity(c); ok {
			fields = append(fields, zap.String("user_id", id.UserID.String()))
		}
		log.Debug("http_request", fields...)
	}
}

// userSyncer mirrors token identities into the user directory, once per
// distinct identity per process.
type userSyncer struct {
	users UserDirectory
	seen  sync.Map
}

func (s *userSyncer) sync(c *gin.Context, id auth.Identity) error {
	if id.Email == "" {
		return nil
	}
	if prev, ok := s.seen.Load(id.UserID); ok && prev.(auth.Identity) == id {
		return nil
	}
	err := s.users.Sync(c.Request.Context(), domain.User{
		ID:             id.UserID,
		Email:          id.Email,
		FirstName:      id.FirstName,
		LastName:       id.LastName,
		ProfilePicture: id.Picture,
	})
	if err != nil {
		return err
	}
	s.seen.Store(id.UserID, id)
	return nil
}

func authenticate(v *auth.Verifier, users *userSyncer, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		id, err := v.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := users.sync(c, id); err != nil {
			abortWithError(c, log, err)
			return
		}
		c.Set(identityKey, id)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool holds one token bucket per user. Entries idle for longer than
// ttl are evicted by sweep.
type limiterPool struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu sync.Mutex
	m  map[string]*limiterEntry
}

func newLimiterPool(rps float64, burst int, ttl time.Duration) *limiterPool {
	return &limiterPool{rps: rate.Limit(rps), burst: burst, ttl: ttl, m: make(map[string]*limiterEntry)}
}

func (p *limiterPool) allow(key string, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = at
	return e.l.AllowN(at, 1)
}

func (p *limiterPool) sweep(now time.Time) {
	cutoff := now.Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// rateLimit applies the per-user bucket to mutating requests.
func rateLimit(p *limiterPool, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		id, ok := identity(c)
		if !ok {
			c.Next()
			return
		}
		if !p.allow(id.UserID.String(), time.Now()) {
			m.RateLimited.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
