// Package router selects one healthy instance per logical request according
// to the configured load-balancing strategy.
package router

import (
	"encoding/json"
	"sync"
)

// Strategy names accepted by the router.
const (
	StrategyRoundRobin       = "round-robin"
	StrategyLeastConnections = "least-connections"
	StrategyLatencyAware     = "latency-aware"
)

// Request is a logical routing request.
type Request struct {
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
	ServiceGroup  string          `json:"serviceGroup,omitempty"`
	ContentType   string          `json:"contentType,omitempty"`
	ContentLength int64           `json:"contentLength,omitempty"`
	ClientIP      string          `json:"clientIp,omitempty"`
}

// Candidate is one routable instance with its current health snapshot.
type Candidate struct {
	ID      string
	Group   string
	Healthy bool
	P95     float64
}

// Decision is the outcome of a routing request.
type Decision struct {
	Success         bool   `json:"success"`
	SelectedService string `json:"selectedService,omitempty"`
	Strategy        string `json:"strategy"`
	Group           string `json:"group,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Metrics are the router's aggregate counters.
type Metrics struct {
	TotalRequests   int64             `json:"totalRequests"`
	SuccessCount    int64             `json:"successCount"`
	AvgResponseTime float64           `json:"avgResponseTime"`
	LastSelection   map[string]string `json:"lastSelection"`
	Strategy        string            `json:"strategy"`
}

// Router applies a load-balancing strategy over healthy candidates.
type Router struct {
	mu       sync.Mutex
	strategy string

	// rrCursor holds the round-robin position per group.
	rrCursor map[string]int
	// active holds the in-flight request count per instance.
	active map[string]int

	totalRequests int64
	successCount  int64
	completed     int64
	avgResponse   float64
	lastSelection map[string]string
}

// New creates a router with the given strategy name; unknown names fall back
// to round-robin.
func New(strategy string) *Router {
	switch strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyLatencyAware:
	default:
		strategy = StrategyRoundRobin
	}
	return &Router{
		strategy:      strategy,
		rrCursor:      make(map[string]int),
		active:        make(map[string]int),
		lastSelection: make(map[string]string),
	}
}

// Route filters candidates to the requested group and healthy members, then
// applies the strategy. The group key "" addresses all services.
func (r *Router) Route(req Request, candidates []Candidate) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests++

	var eligible []Candidate
	for _, c := range candidates {
		if req.ServiceGroup != "" && c.Group != req.ServiceGroup {
			continue
		}
		if !c.Healthy {
			continue
		}
		eligible = append(eligible, c)
	}

	decision := Decision{Strategy: r.strategy, Group: req.ServiceGroup}
	if len(eligible) == 0 {
		decision.Error = "No services available"
		return decision
	}

	var selected Candidate
	switch r.strategy {
	case StrategyLeastConnections:
		selected = r.pickLeastConnections(eligible)
	case StrategyLatencyAware:
		selected = r.pickLatencyAware(eligible)
	default:
		selected = r.pickRoundRobin(req.ServiceGroup, eligible)
	}

	r.successCount++
	r.lastSelection[req.ServiceGroup] = selected.ID

	decision.Success = true
	decision.SelectedService = selected.ID
	return decision
}

func (r *Router) pickRoundRobin(group string, eligible []Candidate) Candidate {
	cursor := r.rrCursor[group]
	selected := eligible[cursor%len(eligible)]
	r.rrCursor[group] = cursor + 1
	return selected
}

func (r *Router) pickLeastConnections(eligible []Candidate) Candidate {
	selected := eligible[0]
	for _, c := range eligible[1:] {
		if r.active[c.ID] < r.active[selected.ID] {
			selected = c
		}
	}
	return selected
}

func (r *Router) pickLatencyAware(eligible []Candidate) Candidate {
	selected := eligible[0]
	for _, c := range eligible[1:] {
		if c.P95 < selected.P95 {
			selected = c
		}
	}
	return selected
}

// Acquire marks one in-flight request against the instance. Used by the
// least-connections strategy.
func (r *Router) Acquire(id string) {
	r.mu.Lock()
	r.active[id]++
	r.mu.Unlock()
}

// Release ends one in-flight request and folds its latency into the running
// average response time.
func (r *Router) Release(id string, latencyMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[id] > 0 {
		r.active[id]--
	}

	r.completed++
	r.avgResponse += (latencyMS - r.avgResponse) / float64(r.completed)
}

// GetMetrics returns a snapshot of the router counters.
func (r *Router) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := make(map[string]string, len(r.lastSelection))
	for k, v := range r.lastSelection {
		last[k] = v
	}
	return Metrics{
		TotalRequests:   r.totalRequests,
		SuccessCount:    r.successCount,
		AvgResponseTime: r.avgResponse,
		LastSelection:   last,
		Strategy:        r.strategy,
	}
}
