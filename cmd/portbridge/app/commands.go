// Package app provides the entry point for the portbridge command-line
// application.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "portbridge",
	DisableAutoGenTag: true,
	Short:             "PortBridge is a local gateway for MCP services",
	Long: `PortBridge supervises MCP (Model Context Protocol) services as child
processes or remote endpoints and exposes them through a single local HTTP
and SSE surface.

It manages service templates and live instances, probes their health, load
balances logical requests across instance groups, and pairs local clients
through a short-code handshake so that browser UIs can call tools without
API credentials.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the PortBridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := json.MarshalIndent(versions.GetVersionInfo(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
