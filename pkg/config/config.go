// Package config contains the definition of the gateway settings structure
// and the logic required to load it from flags, environment, and file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default listen address. The gateway binds loopback only unless told
// otherwise.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 19233
)

// EnvPrefix is the prefix for all gateway environment variables.
const EnvPrefix = "PB"

// Settings represents the runtime configuration of the gateway.
type Settings struct {
	// Host and Port form the listen address.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`

	// LoadBalancingStrategy selects the routing strategy for grouped
	// services: round-robin, least-connections, or latency-aware.
	LoadBalancingStrategy string `mapstructure:"loadBalancingStrategy"`

	// HealthInterval is the period between health probe passes.
	HealthInterval time.Duration `mapstructure:"healthInterval"`

	// ReincarnationDebounce is the wait between stopping a service and
	// recreating it after an env update.
	ReincarnationDebounce time.Duration `mapstructure:"reincarnationDebounce"`

	// SandboxRoot is the directory runtimes and packages install into.
	SandboxRoot string `mapstructure:"sandboxRoot"`

	// StaticDir optionally serves a local UI from disk at /.
	StaticDir string `mapstructure:"staticDir"`

	// Marketplace configures the remote template catalog.
	Marketplace Marketplace `mapstructure:"marketplace"`
}

// Marketplace holds the template catalog settings. The catalog is disabled
// when neither a URL nor a local path is configured; Path takes precedence
// over URL when both are set.
type Marketplace struct {
	URL       string        `mapstructure:"url"`
	Path      string        `mapstructure:"path"`
	Token     string        `mapstructure:"token"`
	BasicAuth string        `mapstructure:"basicAuth"`
	HMACKey   string        `mapstructure:"hmacKey"`
	CacheTTL  time.Duration `mapstructure:"cacheTtl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Address returns the host:port listen address.
func (s *Settings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SetDefaults registers the default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("debug", false)
	v.SetDefault("loadBalancingStrategy", "round-robin")
	v.SetDefault("healthInterval", 5*time.Second)
	v.SetDefault("reincarnationDebounce", time.Second)
	v.SetDefault("sandboxRoot", "")
	v.SetDefault("staticDir", "")
	v.SetDefault("marketplace.url", "")
	v.SetDefault("marketplace.path", "")
	v.SetDefault("marketplace.token", "")
	v.SetDefault("marketplace.basicAuth", "")
	v.SetDefault("marketplace.hmacKey", "")
	v.SetDefault("marketplace.cacheTtl", 5*time.Minute)
	v.SetDefault("marketplace.timeout", 15*time.Second)
}

// Load reads settings from the environment (PB_ prefix), an optional config
// file, and the registered defaults.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Multi-word marketplace keys do not survive the "." replacer, bind
	// their documented env names explicitly.
	for key, env := range map[string]string{
		"marketplace.basicAuth": "PB_MARKETPLACE_BASIC_AUTH",
		"marketplace.hmacKey":   "PB_MARKETPLACE_HMAC_SECRET",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Validate checks the settings for values the gateway cannot run with.
func (s *Settings) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	switch s.LoadBalancingStrategy {
	case "round-robin", "least-connections", "latency-aware":
	default:
		return fmt.Errorf("invalid load balancing strategy %q", s.LoadBalancingStrategy)
	}
	if s.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	if s.ReincarnationDebounce < 0 {
		return fmt.Errorf("reincarnation debounce cannot be negative")
	}
	return nil
}
