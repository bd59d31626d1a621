// Package health probes running instances and aggregates their latency and
// error-rate statistics.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// DefaultInterval is the pause between probe passes.
const DefaultInterval = 5 * time.Second

// Target is one probe candidate: a running keep-alive instance.
type Target struct {
	ID     string
	Config types.ServiceConfig
}

// ProbeResult is the outcome of a single probe.
type ProbeResult struct {
	Healthy   bool      `json:"healthy"`
	LatencyMS float64   `json:"latency,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProbeFunc issues one health probe against a service.
type ProbeFunc func(ctx context.Context, target Target) ProbeResult

// ServiceHealth is the per-instance slice of the aggregates.
type ServiceHealth struct {
	ID        string      `json:"id"`
	Last      LastSample  `json:"last"`
	P95       float64     `json:"p95"`
	P99       float64     `json:"p99"`
	ErrorRate float64     `json:"errorRate"`
	Samples   int         `json:"samples"`
	LastError string      `json:"lastError,omitempty"`
	Latencies []float64   `json:"latencies"`
}

// LastSample is the most recent probe outcome for an instance.
type LastSample struct {
	LatencyMS float64 `json:"latency"`
	Healthy   bool    `json:"healthy"`
}

// GlobalHealth pools all instance windows.
type GlobalHealth struct {
	P95       float64 `json:"p95"`
	P99       float64 `json:"p99"`
	ErrorRate float64 `json:"errorRate"`
}

// Aggregates is the full health dashboard payload.
type Aggregates struct {
	Global     GlobalHealth    `json:"global"`
	PerService []ServiceHealth `json:"perService"`
}

// Checker periodically probes all running keep-alive instances. Probes run
// concurrently across instances, but never more than one in flight per
// instance.
type Checker struct {
	probe     ProbeFunc
	list      func() []Target
	onFailure func(id, probeErr string)
	interval  time.Duration

	mu       sync.Mutex
	windows  map[string]*latencyWindow
	inflight map[string]bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithInterval overrides the probe interval.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) { c.interval = d }
}

// WithFailureHook sets the callback invoked with the probe error message
// whenever a probe fails. The registry uses it to record lastProbeError.
func WithFailureHook(fn func(id, probeErr string)) Option {
	return func(c *Checker) { c.onFailure = fn }
}

// NewChecker creates a checker. list supplies the probe candidates; probe
// issues one health probe.
func NewChecker(list func() []Target, probe ProbeFunc, opts ...Option) *Checker {
	c := &Checker{
		probe:    probe,
		list:     list,
		interval: DefaultInterval,
		windows:  make(map[string]*latencyWindow),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs probe passes until the context is cancelled.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runPass(ctx)
		}
	}
}

// runPass probes every candidate concurrently, skipping instances that still
// have a probe in flight from a previous pass.
func (c *Checker) runPass(ctx context.Context) {
	targets := c.list()

	g, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		c.mu.Lock()
		busy := c.inflight[target.ID]
		if !busy {
			c.inflight[target.ID] = true
		}
		c.mu.Unlock()
		if busy {
			continue
		}

		g.Go(func() error {
			defer func() {
				c.mu.Lock()
				delete(c.inflight, target.ID)
				c.mu.Unlock()
			}()
			c.CheckNow(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
}

// CheckNow probes a single target synchronously and records the sample.
func (c *Checker) CheckNow(ctx context.Context, target Target) ProbeResult {
	res := c.probe(ctx, target)

	c.mu.Lock()
	w, ok := c.windows[target.ID]
	if !ok {
		w = &latencyWindow{}
		c.windows[target.ID] = w
	}
	w.add(sample{latencyMS: res.LatencyMS, healthy: res.Healthy}, res.Error)
	c.mu.Unlock()

	if !res.Healthy {
		logger.Debugw("health probe failed", "service", target.ID, "error", res.Error)
		if c.onFailure != nil {
			c.onFailure(target.ID, res.Error)
		}
	}
	return res
}

// Forget drops the window of a removed instance.
func (c *Checker) Forget(id string) {
	c.mu.Lock()
	delete(c.windows, id)
	c.mu.Unlock()
}

// StatusMap reports per-instance health for routing: an instance is healthy
// when its latest sample succeeded, or when it has not been probed yet.
func (c *Checker) StatusMap() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]bool, len(c.windows))
	for id, w := range c.windows {
		if last, ok := w.last(); ok {
			out[id] = last.healthy
		}
	}
	return out
}

// Aggregates computes p95/p99 and error rates globally and per instance.
func (c *Checker) Aggregates() Aggregates {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg := Aggregates{PerService: []ServiceHealth{}}
	var pooled []float64
	var pooledSamples, pooledFailures int

	for id, w := range c.windows {
		latencies := w.latencies()
		last, _ := w.last()

		agg.PerService = append(agg.PerService, ServiceHealth{
			ID:        id,
			Last:      LastSample{LatencyMS: last.latencyMS, Healthy: last.healthy},
			P95:       percentile(latencies, 95),
			P99:       percentile(latencies, 99),
			ErrorRate: w.errorRate(),
			Samples:   len(w.samples),
			LastError: w.lastError,
			Latencies: latencies,
		})

		pooled = append(pooled, latencies...)
		pooledSamples += len(w.samples)
		for _, s := range w.samples {
			if !s.healthy {
				pooledFailures++
			}
		}
	}

	agg.Global = GlobalHealth{
		P95: percentile(pooled, 95),
		P99: percentile(pooled, 99),
	}
	if pooledSamples > 0 {
		agg.Global.ErrorRate = float64(pooledFailures) / float64(pooledSamples)
	}

	return agg
}
