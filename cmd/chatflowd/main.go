package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokligence/chatflow-gateway/internal/config"
	"github.com/tokligence/chatflow-gateway/internal/logging"
	"github.com/tokligence/chatflow-gateway/internal/version"
)

var (
	configRoot string

	rootCmd = &cobra.Command{
		Use:   "chatflowd",
		Short: "Chatflow gateway: relays chat turns to registered Dify chatflows and records them",
		// serve is the default action.
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE:  runServe,
	}

	apisCmd = &cobra.Command{
		Use:   "apis",
		Short: "Manage registered upstream chatflow APIs",
	}
	apisImportCmd = &cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Insert or update APIs from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE:  runAPIsImport,
	}
	apisListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered APIs",
		Args:  cobra.NoArgs,
		RunE:  runAPIsList,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configRoot, "config-root", ".", "directory containing config/setting.ini")
	apisCmd.AddCommand(apisImportCmd, apisListCmd)
	rootCmd.AddCommand(serveCmd, apisCmd, versionCmd)
	rootCmd.Version = version.Info()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatflowd: %v\n", err)
		os.Exit(1)
	}
}

// loadRuntime reads configuration and opens the shared log output. CLI
// subcommands log to stdout only.
func loadRuntime(daemon bool) (config.Config, *logging.Logs, error) {
	cfg, err := config.Load(configRoot)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	opts := logging.Options{Level: cfg.LogLevel}
	if daemon {
		opts.File = cfg.LogFile
		opts.MaxBytes = cfg.LogMaxBytes
	}
	logs, err := logging.Open(opts)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init log output: %w", err)
	}
	return cfg, logs, nil
}
