// Package registry owns the service templates and the live supervised
// instances spawned from them. It is the single source of truth for the
// (id -> instance) mapping and the instance state machine.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logbus"
	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/transport"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// InstanceState is the lifecycle state of an instance.
type InstanceState string

// Instance lifecycle states.
const (
	StateInitializing InstanceState = "initializing"
	StateStarting     InstanceState = "starting"
	StateRunning      InstanceState = "running"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateCrashed      InstanceState = "crashed"
	StateError        InstanceState = "error"
)

// InstanceMode distinguishes gateway-supervised instances from externally
// managed ones. Managed instances are never health-probed.
type InstanceMode string

// Instance modes.
const (
	ModeKeepAlive InstanceMode = "keep-alive"
	ModeManaged   InstanceMode = "managed"
)

// MetadataLastProbeError is the metadata key the health checker writes its
// latest probe failure to.
const MetadataLastProbeError = "lastProbeError"

// reincarnationDebounce is the pause between stopping an instance and
// recreating it with new env.
const defaultReincarnationDebounce = time.Second

// Instance is a live supervised unit spawned from a template.
type Instance struct {
	ID           string              `json:"id"`
	Config       types.ServiceConfig `json:"config"`
	State        InstanceState       `json:"state"`
	InstanceMode InstanceMode        `json:"instanceMode"`
	StartedAt    time.Time           `json:"startedAt,omitempty"`
	PID          int                 `json:"pid,omitempty"`
	ErrorCount   int                 `json:"errorCount"`
	Metadata     map[string]string   `json:"metadata"`

	adapter transport.Adapter
}

// clone returns a snapshot safe to hand to callers.
func (i *Instance) clone() *Instance {
	c := *i
	c.Metadata = make(map[string]string, len(i.Metadata))
	for k, v := range i.Metadata {
		c.Metadata[k] = v
	}
	c.adapter = nil
	return &c
}

// Stats are the registry counters grouped by state.
type Stats struct {
	Templates int                   `json:"templates"`
	Instances int                   `json:"instances"`
	ByState   map[InstanceState]int `json:"byState"`
}

// Registry owns templates and instances. All state transitions are
// serialized under its lock; snapshots may be read concurrently.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]types.ServiceConfig
	instances map[string]*Instance

	factory  transport.Factory
	bus      *logbus.Bus
	debounce time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithFactory substitutes the adapter factory, mainly for tests.
func WithFactory(f transport.Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithDebounce overrides the reincarnation debounce.
func WithDebounce(d time.Duration) Option {
	return func(r *Registry) { r.debounce = d }
}

// WithLogBus routes instance stderr and lifecycle entries to the bus.
func WithLogBus(b *logbus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		templates: make(map[string]types.ServiceConfig),
		instances: make(map[string]*Instance),
		factory:   transport.NewAdapter,
		debounce:  defaultReincarnationDebounce,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterTemplate validates and upserts a template by name. Replacement is
// atomic: the new config fully supersedes the previous one.
func (r *Registry) RegisterTemplate(cfg types.ServiceConfig) error {
	if err := ValidateTemplate(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	r.templates[cfg.Name] = cfg
	r.mu.Unlock()

	logger.Infow("template registered", "template", cfg.Name, "transport", cfg.Transport)
	return nil
}

// ListTemplates returns a snapshot of all templates.
func (r *Registry) ListTemplates() []types.ServiceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ServiceConfig, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out
}

// GetTemplate returns the named template.
func (r *Registry) GetTemplate(name string) (types.ServiceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return types.ServiceConfig{}, perrors.NewNotFound(fmt.Sprintf("template %q not found", name))
	}
	return t, nil
}

// RemoveTemplate deletes the named template. Instances created from it keep
// running.
func (r *Registry) RemoveTemplate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[name]; !ok {
		return perrors.NewNotFound(fmt.Sprintf("template %q not found", name))
	}
	delete(r.templates, name)
	return nil
}

// UpdateTemplate applies fn to the named template under the lock. Used by
// the repair endpoints.
func (r *Registry) UpdateTemplate(name string, fn func(*types.ServiceConfig) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.templates[name]
	if !ok {
		return false, perrors.NewNotFound(fmt.Sprintf("template %q not found", name))
	}
	changed := fn(&t)
	if changed {
		r.templates[name] = t
	}
	return changed, nil
}

// CreateServiceFromTemplate resolves the template, merges overrides,
// allocates a fresh id and brings the instance up. Stdio instances spawn a
// persistent child; HTTP instances are marked running without a spawn.
func (r *Registry) CreateServiceFromTemplate(ctx context.Context, templateName string, ov *Overrides) (*Instance, error) {
	tpl, err := r.GetTemplate(templateName)
	if err != nil {
		return nil, err
	}

	cfg, err := mergeConfig(tpl, ov)
	if err != nil {
		return nil, perrors.NewInternal(perrors.CodeInternal, "failed to merge instance config", err)
	}

	inst := &Instance{
		ID:           uuid.NewString(),
		Config:       cfg,
		State:        StateInitializing,
		InstanceMode: ModeKeepAlive,
		Metadata:     map[string]string{},
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	inst.State = StateStarting
	r.mu.Unlock()

	if cfg.Transport == types.TransportTypeStdio {
		if err := r.spawn(ctx, inst); err != nil {
			r.mu.Lock()
			inst.State = StateError
			inst.ErrorCount++
			r.mu.Unlock()
			r.logEntry("error", fmt.Sprintf("failed to start service: %v", err), inst.ID)
			return nil, perrors.NewInternal(perrors.CodeSpawnFailed,
				fmt.Sprintf("failed to spawn service from template %q", templateName), err)
		}
	}

	r.mu.Lock()
	inst.State = StateRunning
	inst.StartedAt = time.Now()
	snapshot := inst.clone()
	r.mu.Unlock()

	r.logEntry("info", fmt.Sprintf("service started from template %q", templateName), inst.ID)
	return snapshot, nil
}

// spawn connects the persistent adapter of a stdio instance and starts the
// event watcher.
func (r *Registry) spawn(ctx context.Context, inst *Instance) error {
	adapter, err := r.factory(inst.Config)
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	inst.adapter = adapter
	inst.PID = adapter.PID()
	r.mu.Unlock()

	go r.watchInstance(inst.ID, adapter)
	return nil
}

// watchInstance consumes the persistent adapter's event stream, forwarding
// stderr lines to the log bus and flagging unexpected exits as crashes.
func (r *Registry) watchInstance(id string, adapter transport.Adapter) {
	for ev := range adapter.Events() {
		switch ev.Kind {
		case types.EventStderr:
			r.logEntry("warn", ev.Line, id)
		case types.EventExit:
			r.mu.Lock()
			inst, ok := r.instances[id]
			crashed := ok && inst.State == StateRunning
			if crashed {
				inst.State = StateCrashed
				inst.ErrorCount++
			}
			r.mu.Unlock()

			if crashed {
				r.logEntry("error", fmt.Sprintf("service exited unexpectedly (code %d)", ev.ExitCode), id)
			}
			return
		default:
		}
	}
}

// StopService transitions the instance through stopping to stopped,
// disconnects its adapter and removes it from the registry. Returns false if
// no such id exists.
func (r *Registry) StopService(ctx context.Context, id string) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	inst.State = StateStopping
	adapter := inst.adapter
	r.mu.Unlock()

	if adapter != nil {
		if err := adapter.Disconnect(ctx); err != nil {
			logger.Warnw("failed to disconnect adapter", "service", id, "error", err)
		}
	}

	r.mu.Lock()
	inst.State = StateStopped
	delete(r.instances, id)
	r.mu.Unlock()

	r.logEntry("info", "service stopped", id)
	return true
}

// GetService returns a snapshot of the instance.
func (r *Registry) GetService(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, perrors.NewNotFound(fmt.Sprintf("service %q not found", id))
	}
	return inst.clone(), nil
}

// ListServices returns snapshots of all instances.
func (r *Registry) ListServices() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetInstanceMetadata attaches a metadata value to the instance. The health
// checker uses this to record lastProbeError.
func (r *Registry) SetInstanceMetadata(id, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return perrors.NewNotFound(fmt.Sprintf("service %q not found", id))
	}
	inst.Metadata[key] = value
	return nil
}

// MarkProbeFailure bumps the error state of an instance after a failed
// probe, without touching its lifecycle state.
func (r *Registry) MarkProbeFailure(id, probeErr string) {
	if err := r.SetInstanceMetadata(id, MetadataLastProbeError, probeErr); err != nil {
		logger.Debugw("probe failure on unknown instance", "service", id)
	}
}

// UpdateServiceEnv applies an env patch by reincarnation: the instance is
// stopped, and after a debounce a new instance is created from the same
// template with the merged env. The new id is returned.
func (r *Registry) UpdateServiceEnv(ctx context.Context, id string, envPatch map[string]string) (*Instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.RUnlock()
		return nil, perrors.NewNotFound(fmt.Sprintf("service %q not found", id))
	}
	templateName := inst.Config.Name
	merged := make(map[string]string, len(inst.Config.Env)+len(envPatch))
	for k, v := range inst.Config.Env {
		merged[k] = v
	}
	r.mu.RUnlock()

	for k, v := range envPatch {
		merged[k] = v
	}

	if !r.StopService(ctx, id) {
		return nil, perrors.NewNotFound(fmt.Sprintf("service %q not found", id))
	}

	select {
	case <-time.After(r.debounce):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return r.CreateServiceFromTemplate(ctx, templateName, &Overrides{Env: merged})
}

// GetStats returns the registry counters grouped by state.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Templates: len(r.templates),
		Instances: len(r.instances),
		ByState:   make(map[InstanceState]int),
	}
	for _, inst := range r.instances {
		stats.ByState[inst.State]++
	}
	return stats
}

// Shutdown stops every instance. Used on server teardown.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.StopService(ctx, id)
	}
}

func (r *Registry) logEntry(level, msg, serviceID string) {
	if r.bus != nil {
		r.bus.Append(logbus.Entry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   serviceID,
		})
	}

	switch level {
	case "error":
		logger.Errorw(msg, "service", serviceID)
	case "warn":
		logger.Warnw(msg, "service", serviceID)
	default:
		logger.Infow(msg, "service", serviceID)
	}
}
