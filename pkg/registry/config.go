package registry

import (
	"fmt"

	"dario.cat/mergo"

	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// defaultTimeoutMS is applied to templates that do not set a timeout.
const defaultTimeoutMS = 30_000

// ValidateTemplate checks the required fields of a template per transport.
func ValidateTemplate(cfg types.ServiceConfig) error {
	if cfg.Name == "" {
		return perrors.NewUnprocessable("template name is required")
	}

	switch cfg.Transport {
	case types.TransportTypeStdio:
		if cfg.Command == "" {
			return perrors.NewUnprocessable(fmt.Sprintf("stdio template %q requires a command", cfg.Name))
		}
	case types.TransportTypeHTTP, types.TransportTypeStreamableHTTP:
		if cfg.Endpoint == "" {
			return perrors.NewUnprocessable(fmt.Sprintf("%s template %q requires an endpoint", cfg.Transport, cfg.Name))
		}
	default:
		return perrors.NewUnprocessable(fmt.Sprintf("template %q has unsupported transport %q", cfg.Name, cfg.Transport))
	}

	if cfg.Container != nil && cfg.Container.Image == "" {
		return perrors.NewUnprocessable(fmt.Sprintf("template %q requests container mode without an image", cfg.Name))
	}

	return nil
}

// Overrides are per-instance deviations from a template. Env is deep-merged
// into the template env; command and args replace the template values when
// set.
type Overrides struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// mergeConfig produces the effective instance config from a template and
// optional overrides. The template is never mutated.
func mergeConfig(tpl types.ServiceConfig, ov *Overrides) (types.ServiceConfig, error) {
	cfg := tpl
	cfg.Args = append([]string(nil), tpl.Args...)

	cfg.Env = map[string]string{}
	if err := mergo.Merge(&cfg.Env, tpl.Env, mergo.WithOverride); err != nil {
		return cfg, fmt.Errorf("failed to merge template env: %w", err)
	}

	if ov != nil {
		if ov.Command != "" {
			cfg.Command = ov.Command
		}
		if ov.Args != nil {
			cfg.Args = append([]string(nil), ov.Args...)
		}
		if err := mergo.Merge(&cfg.Env, ov.Env, mergo.WithOverride); err != nil {
			return cfg, fmt.Errorf("failed to merge override env: %w", err)
		}
	}

	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = defaultTimeoutMS
	}

	return cfg, nil
}

// RepairTemplate normalizes a template in place: default timeout, non-nil
// env, empty env values trimmed. Returns true if anything changed.
func RepairTemplate(cfg *types.ServiceConfig) bool {
	changed := false

	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = defaultTimeoutMS
		changed = true
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
		changed = true
	}
	for k, v := range cfg.Env {
		if v == "" {
			delete(cfg.Env, k)
			changed = true
		}
	}

	return changed
}

// Diagnosis reports the required vs provided fields of a template for its
// transport.
type Diagnosis struct {
	Transport types.TransportType `json:"transport"`
	Required  []string            `json:"required"`
	Provided  []string            `json:"provided"`
	Missing   []string            `json:"missing"`
}

// DiagnoseTemplate explains which transport-specific fields a template still
// needs before it can spawn.
func DiagnoseTemplate(cfg types.ServiceConfig) Diagnosis {
	d := Diagnosis{Transport: cfg.Transport, Required: []string{"name", "transport"}, Provided: []string{}, Missing: []string{}}

	present := func(field string, ok bool) {
		if ok {
			d.Provided = append(d.Provided, field)
		} else {
			d.Missing = append(d.Missing, field)
		}
	}

	present("name", cfg.Name != "")
	present("transport", cfg.Transport != "")

	switch cfg.Transport {
	case types.TransportTypeStdio:
		d.Required = append(d.Required, "command")
		present("command", cfg.Command != "")
	case types.TransportTypeHTTP, types.TransportTypeStreamableHTTP:
		d.Required = append(d.Required, "endpoint")
		present("endpoint", cfg.Endpoint != "")
	}

	if cfg.Container != nil {
		d.Required = append(d.Required, "container.image")
		present("container.image", cfg.Container.Image != "")
	}

	return d
}
