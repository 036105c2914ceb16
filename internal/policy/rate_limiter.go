// Package policy enforces admission control over the ingestion workers.
package policy

import (
	"os"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/taskerr"
)

// RateLimiterConfig tunes the sliding windows.
type RateLimiterConfig struct {
	// GlobalRPS caps admissions across all tenants per one-second window.
	GlobalRPS int
	// TenantRPM caps admissions per tenant per sixty-second window.
	TenantRPM int
	// SuspendFor is how long a tenant stays suspended after blowing its
	// window.
	SuspendFor time.Duration
}

// DefaultRateLimiterConfig returns the production defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GlobalRPS:  100,
		TenantRPM:  60,
		SuspendFor: 60 * time.Second,
	}
}

// RateLimiterConfigFromEnv overlays RATE_GLOBAL_RPS / RATE_TENANT_RPM.
func RateLimiterConfigFromEnv() RateLimiterConfig {
	cfg := DefaultRateLimiterConfig()
	if v := os.Getenv("RATE_GLOBAL_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GlobalRPS = n
		}
	}
	if v := os.Getenv("RATE_TENANT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TenantRPM = n
		}
	}
	return cfg
}

// RateLimiter is a sliding-window admission controller shared by all workers
// in a pool. Acquire never blocks: it admits or returns a RateLimitedError
// immediately. The two windows and the suspension set are guarded by a single
// short-lived lock per decision.
type RateLimiter struct {
	cfg    RateLimiterConfig
	logger *zap.Logger

	mu           sync.Mutex
	globalWindow []time.Time
	tenantWindow map[string][]time.Time
	suspensions  *gocache.Cache

	stats   RateLimiterStats
	statsMu sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// RateLimiterStats counts admission decisions.
type RateLimiterStats struct {
	Admitted         int64
	DeniedGlobal     int64
	DeniedTenant     int64
	TenantsSuspended int64
}

// NewRateLimiter builds a limiter from the given config.
func NewRateLimiter(cfg RateLimiterConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = DefaultRateLimiterConfig().GlobalRPS
	}
	if cfg.TenantRPM <= 0 {
		cfg.TenantRPM = DefaultRateLimiterConfig().TenantRPM
	}
	if cfg.SuspendFor <= 0 {
		cfg.SuspendFor = DefaultRateLimiterConfig().SuspendFor
	}
	return &RateLimiter{
		cfg:          cfg,
		logger:       logger.Named("ratelimit"),
		tenantWindow: make(map[string][]time.Time),
		suspensions:  gocache.New(cfg.SuspendFor, 5*time.Minute),
		now:          time.Now,
	}
}

// Acquire admits or denies one request for the given tenant. A denial is
// always a *taskerr.RateLimitedError carrying the scope and retry-after.
func (rl *RateLimiter) Acquire(tenant string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	// Prune both windows to their horizons before deciding.
	rl.globalWindow = prune(rl.globalWindow, now.Add(-time.Second))
	if tenant != "" {
		rl.tenantWindow[tenant] = prune(rl.tenantWindow[tenant], now.Add(-60*time.Second))
		if len(rl.tenantWindow[tenant]) == 0 {
			delete(rl.tenantWindow, tenant)
		}
	}

	if len(rl.globalWindow) >= rl.cfg.GlobalRPS {
		rl.bump(func(s *RateLimiterStats) { s.DeniedGlobal++ })
		return &taskerr.RateLimitedError{Scope: "global", RetryAfter: 1}
	}

	if tenant != "" {
		if expiry, found := rl.suspensions.Get(tenant); found {
			remaining := int(expiry.(time.Time).Sub(now).Seconds() + 0.5)
			if remaining > 0 {
				rl.bump(func(s *RateLimiterStats) { s.DeniedTenant++ })
				return &taskerr.RateLimitedError{Scope: tenant, RetryAfter: remaining}
			}
			rl.suspensions.Delete(tenant)
		}

		if len(rl.tenantWindow[tenant]) >= rl.cfg.TenantRPM {
			rl.suspensions.Set(tenant, now.Add(rl.cfg.SuspendFor), rl.cfg.SuspendFor)
			rl.bump(func(s *RateLimiterStats) { s.DeniedTenant++; s.TenantsSuspended++ })
			rl.logger.Warn("tenant suspended",
				zap.String("tenant", tenant),
				zap.Duration("for", rl.cfg.SuspendFor))
			return &taskerr.RateLimitedError{
				Scope:      tenant,
				RetryAfter: int(rl.cfg.SuspendFor.Seconds()),
			}
		}
	}

	rl.globalWindow = append(rl.globalWindow, now)
	if tenant != "" {
		rl.tenantWindow[tenant] = append(rl.tenantWindow[tenant], now)
	}
	rl.bump(func(s *RateLimiterStats) { s.Admitted++ })
	return nil
}

// Suspended reports whether the tenant is currently suspended.
func (rl *RateLimiter) Suspended(tenant string) bool {
	expiry, found := rl.suspensions.Get(tenant)
	if !found {
		return false
	}
	return expiry.(time.Time).After(rl.now())
}

// Stats returns a snapshot of admission counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	return rl.stats
}

func (rl *RateLimiter) bump(f func(*RateLimiterStats)) {
	rl.statsMu.Lock()
	f(&rl.stats)
	rl.statsMu.Unlock()
}

func prune(window []time.Time, horizon time.Time) []time.Time {
	idx := 0
	for idx < len(window) && !window[idx].After(horizon) {
		idx++
	}
	if idx == 0 {
		return window
	}
	return append(window[:0], window[idx:]...)
}
