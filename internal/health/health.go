// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/mbd888/clicense/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.LatencyMS = time.Since(start).Milliseconds()
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database checks a SQL connection pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Redis checks a Redis client.
func Redis(client *redis.Client) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// Breaker reports an upstream as unhealthy while its circuit is open.
func Breaker(name string, b *circuitbreaker.Breaker, key string) Checker {
	return func(context.Context) Status {
		st := b.Status(key)
		detail := "circuit " + st.State.String()
		if st.State == circuitbreaker.StateOpen {
			detail += ", probing at " + st.RetryAt.UTC().Format(time.RFC3339)
		}
		return Status{
			Name:    name,
			Healthy: st.State != circuitbreaker.StateOpen,
			Detail:  detail,
		}
	}
}
