package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Degraded  bool   `json:"degraded,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
}

// ProbeRunner runs every checker concurrently under one timeout. A probe slower than
// slowThreshold is still healthy but reported as degraded; zero disables that.
type ProbeRunner struct {
	timeout       time.Duration
	slowThreshold time.Duration
	checkers      []Checker
}

func NewProbeRunner(timeout, slowThreshold time.Duration, checkers ...Checker) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{timeout: timeout, slowThreshold: slowThreshold, checkers: checkers}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	results := make([]CheckResult, len(p.checkers))
	if len(p.checkers) == 0 {
		return true, results
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var g errgroup.Group
	for i, c := range p.checkers {
		g.Go(func() error {
			start := time.Now()
			res := c.Check(ctx)
			elapsed := time.Since(start)
			res.LatencyMS = elapsed.Milliseconds()
			if res.Healthy && p.slowThreshold > 0 && elapsed > p.slowThreshold {
				res.Degraded = true
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	ready := true
	for _, r := range results {
		if !r.Healthy {
			ready = false
		}
	}
	return ready, results
}

// FuncChecker adapts a ping function.
type FuncChecker struct {
	Name string
	Ping func(ctx context.Context) error
}

func (f FuncChecker) Check(ctx context.Context) CheckResult {
	if err := f.Ping(ctx); err != nil {
		return CheckResult{Name: f.Name, Healthy: false, Error: err.Error()}
	}
	return CheckResult{Name: f.Name, Healthy: true}
}

func NewDatabaseChecker(db *gorm.DB) Checker {
	return FuncChecker{Name: "database", Ping: func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}}
}

func NewRedisChecker(client redis.UniversalClient) Checker {
	return FuncChecker{Name: "redis", Ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}
