// Package cmd implements the clawdis CLI: the gateway daemon plus thin
// client subcommands speaking the control-plane protocol.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/clawdis/clawdis/cmd.Version=v1.0.0"
var Version = "dev"

// CLI exit codes.
const (
	exitOK           = 0
	exitInvalidArgs  = 2
	exitUnreachable  = 3
	exitUnauthorized = 4
	exitRemoteError  = 5
)

// exitError carries a CLI exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitWith(code int, format string, args ...interface{}) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "clawdis",
	Short:         "Clawdis personal assistant gateway",
	Long:          "Clawdis relays chat transports (WhatsApp, Telegram, Discord, WebChat, paired nodes) to a local AI agent runtime and streams replies back.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $OPENCLAW_STATE_DIR/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(nodesCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawdis %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CLAWDIS_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(config.StateDir(), "config.json")
}

// Execute runs the root command and maps errors to CLI exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
