package app

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/portbridge/portbridge/pkg/api"
	"github.com/portbridge/portbridge/pkg/auth"
	"github.com/portbridge/portbridge/pkg/config"
	"github.com/portbridge/portbridge/pkg/health"
	"github.com/portbridge/portbridge/pkg/logbus"
	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/marketplace"
	"github.com/portbridge/portbridge/pkg/metrics"
	"github.com/portbridge/portbridge/pkg/pairing"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/router"
	"github.com/portbridge/portbridge/pkg/sandbox"
	"github.com/portbridge/portbridge/pkg/transport"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the PortBridge gateway: the HTTP and SSE API, the service
registry, the health checker, and the local pairing surface.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", config.DefaultHost, "Address to bind")
	cmd.Flags().Int("port", config.DefaultPort, "Port to bind")
	cmd.Flags().String("static-dir", "", "Directory to serve static files from")
	for flag, key := range map[string]string{
		"host":       "host",
		"port":       "port",
		"static-dir": "staticDir",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}

	return cmd
}

func runServe(_ *cobra.Command, _ []string) error {
	settings, err := config.Load(viper.GetViper(), viper.GetString("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := logbus.New()
	reg := registry.NewRegistry(
		registry.WithLogBus(bus),
		registry.WithDebounce(settings.ReincarnationDebounce),
	)

	checker := health.NewChecker(
		probeTargets(reg),
		health.NewAdapterProbe(transport.NewAdapter),
		health.WithInterval(settings.HealthInterval),
		health.WithFailureHook(reg.MarkProbeFailure),
	)

	rt := router.New(settings.LoadBalancingStrategy)
	authStore := auth.NewStore()
	bootstrapCredentials(authStore)

	pairingMgr := pairing.NewManager()
	provisioner := sandbox.NewProvisioner(sandboxRoot(settings))
	market := marketplace.NewClient(settings.Marketplace)
	m := metrics.New()

	go checker.Start(ctx)
	go pairingMgr.Start(ctx)
	go watchInstanceGauge(ctx, reg, m)

	err = api.Serve(ctx, api.Deps{
		Settings:    settings,
		Registry:    reg,
		Checker:     checker,
		Bus:         bus,
		Router:      rt,
		Auth:        authStore,
		Pairing:     pairingMgr,
		Provisioner: provisioner,
		Marketplace: market,
		Metrics:     m,
		Factory:     transport.NewAdapter,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.Shutdown(shutdownCtx)

	return err
}

// probeTargets adapts the registry snapshot to health probe candidates:
// running keep-alive instances only.
func probeTargets(reg *registry.Registry) func() []health.Target {
	return func() []health.Target {
		var targets []health.Target
		for _, inst := range reg.ListServices() {
			if inst.State != registry.StateRunning || inst.InstanceMode != registry.ModeKeepAlive {
				continue
			}
			targets = append(targets, health.Target{ID: inst.ID, Config: inst.Config})
		}
		return targets
	}
}

// bootstrapCredentials mints the initial admin API key. Without it a fresh
// gateway has no way to authenticate the first request.
func bootstrapCredentials(store *auth.Store) {
	key, err := store.CreateAPIKey("bootstrap-admin", []string{auth.PermissionAll})
	if err != nil {
		logger.Fatalf("failed to create bootstrap API key: %v", err)
	}
	logger.Infof("bootstrap admin API key: %s", key.Key)
}

func sandboxRoot(settings *config.Settings) string {
	if settings.SandboxRoot != "" {
		return settings.SandboxRoot
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "portbridge", "sandbox")
	}
	return filepath.Join(home, ".portbridge", "sandbox")
}

// watchInstanceGauge refreshes the Prometheus instance gauge from the
// registry counters.
func watchInstanceGauge(ctx context.Context, reg *registry.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := reg.GetStats()
			for state, n := range stats.ByState {
				m.SetInstanceCount(string(state), n)
			}
		}
	}
}
