// Package loadgen drives synthetic pairing traffic against a running service.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL     string
	Secret      string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        uint64
}

type Result struct {
	TotalRequests int
	Failures      int
	StatusClasses map[string]int
	// DeviceCodes collected from start responses, reused by poll requests.
	DeviceCodes int
}

type runner struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	rng    *rand.Rand
	codes  []string
	result Result
}

// Run sends requests at cfg.RPS until cfg.Duration elapses or ctx is cancelled. Profiles:
// "start" only opens sessions, "poll" polls device codes it opened first, "mixed" does both.
func Run(ctx context.Context, cfg Config) (Result, error) {
	cfg.Profile = normalizeProfile(cfg.Profile)
	switch cfg.Profile {
	case "start", "poll", "mixed":
	default:
		return Result{}, fmt.Errorf("unknown profile %q", cfg.Profile)
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 5 * time.Second
	}
	r := &runner{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		result: Result{StatusClasses: map[string]int{}},
	}

	if cfg.Profile == "poll" {
		for i := 0; i < cfg.Concurrency; i++ {
			r.do(ctx, "start")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	// In-flight requests finish against ctx so the deadline does not count as failures.
	jobs := make(chan string)
	var g errgroup.Group
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			for op := range jobs {
				r.do(ctx, op)
			}
			return nil
		})
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()
feed:
	for {
		select {
		case <-runCtx.Done():
			break feed
		case <-ticker.C:
			select {
			case jobs <- r.nextOp():
			case <-runCtx.Done():
				break feed
			}
		}
	}
	close(jobs)
	if err := g.Wait(); err != nil {
		return r.snapshot(), err
	}
	return r.snapshot(), nil
}

func (r *runner) nextOp() string {
	switch r.cfg.Profile {
	case "start":
		return "start"
	case "poll":
		return "poll"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.codes) == 0 || r.rng.IntN(4) == 0 {
		return "start"
	}
	return "poll"
}

func (r *runner) pickCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.codes) == 0 {
		return "unknown-device-code"
	}
	return r.codes[r.rng.IntN(len(r.codes))]
}

func (r *runner) do(ctx context.Context, op string) {
	var body []byte
	path := "/api/v1/device/start"
	if op == "poll" {
		path = "/api/v1/device/poll"
		body, _ = json.Marshal(map[string]string{"device_code": r.pickCode()})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		r.record(0, "")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", r.cfg.Secret)
	resp, err := r.client.Do(req)
	if err != nil {
		r.record(0, "")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	var code string
	if op == "start" && resp.StatusCode == http.StatusOK {
		var payload struct {
			DeviceCode string `json:"device_code"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err == nil {
			code = payload.DeviceCode
		}
	}
	r.record(resp.StatusCode, code)
}

func (r *runner) record(status int, deviceCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.TotalRequests++
	if status == 0 || status >= 400 {
		r.result.Failures++
	}
	r.result.StatusClasses[classifyStatusClass(status)]++
	if deviceCode != "" {
		r.codes = append(r.codes, deviceCode)
		r.result.DeviceCodes++
	}
}

func (r *runner) snapshot() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.result
	out.StatusClasses = make(map[string]int, len(r.result.StatusClasses))
	for k, v := range r.result.StatusClasses {
		out.StatusClasses[k] = v
	}
	return out
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "mixed"
	}
	return p
}
