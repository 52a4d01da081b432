package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-log-service/internal/config"
	"security-log-service/internal/correlation"
	"security-log-service/internal/hashing"
	redisrepo "security-log-service/internal/repository/redis"
	"security-log-service/internal/seclog"
	"security-log-service/internal/util"
)

const correlationHeader = "X-Correlation-ID"

type contextKey int

const callerContextKey contextKey = iota

// Caller identifies an authenticated API client for the rest of the
// request.
type Caller struct {
	ID    string
	Admin bool
}

func withCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(Caller)
	return c, ok
}

// CorrelationMiddleware propagates the client's correlation id, or mints
// one, into the request context and echoes it on the response.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = correlation.Generate()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(correlation.WithID(r.Context(), id)))
	})
}

// Authenticator validates API keys against their Argon2id hashes. A
// verified key is remembered by fingerprint so the expensive derivation
// runs once per key per process.
type Authenticator struct {
	hasher    *hashing.Hasher
	keyHashes []string
	adminHash string
	security  *seclog.Logger
	logger    *zap.Logger
	verified  sync.Map
}

func NewAuthenticator(cfg *config.Config, hasher *hashing.Hasher, security *seclog.Logger, logger *zap.Logger) (*Authenticator, error) {
	if len(cfg.RateLimit.APIKeys) == 0 && cfg.RateLimit.AdminAPIKey == "" {
		return nil, errors.New("no API keys configured")
	}

	a := &Authenticator{
		hasher:   hasher,
		security: security,
		logger:   logger,
	}

	for i, key := range cfg.RateLimit.APIKeys {
		h, err := hasher.HashAPIKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to hash API key %d: %w", i, err)
		}
		a.keyHashes = append(a.keyHashes, h)
	}
	if cfg.RateLimit.AdminAPIKey != "" {
		h, err := hasher.HashAPIKey(cfg.RateLimit.AdminAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to hash admin API key: %w", err)
		}
		a.adminHash = h
	}

	logger.Info("API key authentication configured",
		util.Int("keys", len(a.keyHashes)),
		util.Bool("admin_key", a.adminHash != ""),
	)
	return a, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			a.reject(w, r, "missing api key")
			return
		}
		caller, ok := a.authenticate(key)
		if !ok {
			a.reject(w, r, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func (a *Authenticator) authenticate(key string) (Caller, bool) {
	fp := fingerprint(key)
	if v, ok := a.verified.Load(fp); ok {
		return v.(Caller), true
	}

	if a.adminHash != "" {
		if ok, _ := a.hasher.VerifyAPIKey(key, a.adminHash); ok {
			c := Caller{ID: "admin", Admin: true}
			a.verified.Store(fp, c)
			return c, true
		}
	}
	for _, h := range a.keyHashes {
		if ok, _ := a.hasher.VerifyAPIKey(key, h); ok {
			c := Caller{ID: "key-" + fp[:8]}
			a.verified.Store(fp, c)
			return c, true
		}
	}
	return Caller{}, false
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, reason string) {
	if a.security != nil {
		a.security.LogAuthenticationFailure(r.Context(), "", clientIP(r), r.UserAgent(), reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.Header.Get("X-API-Key")
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RequireAdmin gates a route group to callers holding the admin key.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := CallerFromContext(r.Context()); !ok || !c.Admin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"success":false,"error":"admin access required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter enforces sliding windows on two dimensions: every request
// counts against its source IP, and authenticated requests also count
// against the calling identity. A breach on either dimension blocks the
// request and is itself a security event feeding the scoring pipeline.
type RateLimiter struct {
	cache    *redisrepo.RateLimitCache
	limit    int
	window   time.Duration
	security *seclog.Logger
	logger   *zap.Logger
}

func NewRateLimiter(cfg *config.Config, cache *redisrepo.RateLimitCache, security *seclog.Logger, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:    cache,
		limit:    cfg.RateLimit.RequestsPerWindow,
		window:   cfg.RateLimit.Window,
		security: security,
		logger:   logger,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := clientIP(r)

		allowed, count := rl.check(ctx, rl.cache.AllowIP, ip)

		caller, authenticated := CallerFromContext(ctx)
		if authenticated {
			userAllowed, userCount := rl.check(ctx, rl.cache.AllowUser, caller.ID)
			allowed = allowed && userAllowed
			if userCount > count {
				count = userCount
			}
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
		remaining := rl.limit - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			if rl.security != nil {
				var opts []seclog.EventOption
				if authenticated {
					opts = append(opts, seclog.WithUserID(caller.ID))
				}
				rl.security.LogRateLimitExceeded(ctx, ip, r.UserAgent(), r.URL.Path, count, rl.window.String(), opts...)
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// check runs one limiter dimension, failing open: an unreachable
// limiter must not block ingest.
func (rl *RateLimiter) check(ctx context.Context, dimension func(context.Context, string) (bool, int, error), key string) (bool, int) {
	allowed, count, err := dimension(ctx, key)
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request",
			util.String("key", key), util.ErrorField(err))
		return true, 0
	}
	return allowed, count
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
