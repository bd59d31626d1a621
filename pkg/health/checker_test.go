package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 95, 0},
		{"single", []float64{7}, 95, 7},
		{"p95 of 1..100", seq(1, 100), 95, 95},
		{"p99 of 1..100", seq(1, 100), 99, 99},
		{"p95 of 10 values", seq(1, 10), 95, 10},
		{"p50 of 4 values", []float64{40, 10, 30, 20}, 50, 20},
		{"unsorted input", []float64{5, 1, 9, 3}, 100, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, percentile(tt.values, tt.p))
		})
	}
}

func seq(from, to int) []float64 {
	out := make([]float64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, float64(i))
	}
	return out
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	w := &latencyWindow{}
	for i := 0; i < windowCapacity+10; i++ {
		w.add(sample{latencyMS: float64(i), healthy: true}, "")
	}

	require.Len(t, w.samples, windowCapacity)
	assert.Equal(t, float64(10), w.samples[0].latencyMS)
	last, ok := w.last()
	require.True(t, ok)
	assert.Equal(t, float64(windowCapacity+9), last.latencyMS)
}

func TestCheckNowRecordsSamplesAndFailures(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	var failures []string
	var mu sync.Mutex

	healthy := true
	probe := func(_ context.Context, target Target) ProbeResult {
		if healthy {
			return ProbeResult{Healthy: true, LatencyMS: 12, Timestamp: time.Now()}
		}
		return ProbeResult{Healthy: false, Error: "connection refused", Timestamp: time.Now()}
	}

	c := NewChecker(
		func() []Target { return nil },
		probe,
		WithFailureHook(func(id, probeErr string) {
			mu.Lock()
			failures = append(failures, fmt.Sprintf("%s:%s", id, probeErr))
			mu.Unlock()
		}),
	)

	target := Target{ID: "svc-1", Config: types.ServiceConfig{Name: "svc"}}

	res := c.CheckNow(context.Background(), target)
	assert.True(t, res.Healthy)
	assert.Equal(t, map[string]bool{"svc-1": true}, c.StatusMap())

	healthy = false
	res = c.CheckNow(context.Background(), target)
	assert.False(t, res.Healthy)
	assert.Equal(t, map[string]bool{"svc-1": false}, c.StatusMap())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.Equal(t, "svc-1:connection refused", failures[0])
}

func TestAggregates(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	latency := 0.0
	probe := func(context.Context, Target) ProbeResult {
		latency += 10
		healthy := latency <= 30
		res := ProbeResult{Healthy: healthy, LatencyMS: latency, Timestamp: time.Now()}
		if !healthy {
			res.Error = "slow"
		}
		return res
	}

	c := NewChecker(func() []Target { return nil }, probe)
	target := Target{ID: "svc-1"}
	for i := 0; i < 4; i++ {
		c.CheckNow(context.Background(), target)
	}

	agg := c.Aggregates()
	require.Len(t, agg.PerService, 1)

	svc := agg.PerService[0]
	assert.Equal(t, "svc-1", svc.ID)
	assert.Equal(t, 4, svc.Samples)
	assert.Equal(t, 0.25, svc.ErrorRate)
	assert.Equal(t, float64(40), svc.P95)
	assert.Equal(t, "slow", svc.LastError)
	assert.False(t, svc.Last.Healthy)

	assert.Equal(t, 0.25, agg.Global.ErrorRate)
	assert.Equal(t, float64(40), agg.Global.P95)
}

func TestForgetDropsWindow(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	probe := func(context.Context, Target) ProbeResult {
		return ProbeResult{Healthy: true, LatencyMS: 1, Timestamp: time.Now()}
	}
	c := NewChecker(func() []Target { return nil }, probe)

	c.CheckNow(context.Background(), Target{ID: "svc-1"})
	require.Contains(t, c.StatusMap(), "svc-1")

	c.Forget("svc-1")
	assert.NotContains(t, c.StatusMap(), "svc-1")
}

func TestRunPassProbesAllTargets(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	var mu sync.Mutex
	probed := map[string]int{}
	probe := func(_ context.Context, target Target) ProbeResult {
		mu.Lock()
		probed[target.ID]++
		mu.Unlock()
		return ProbeResult{Healthy: true, LatencyMS: 1, Timestamp: time.Now()}
	}

	targets := []Target{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	c := NewChecker(func() []Target { return targets }, probe)

	c.runPass(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, probed)
}
