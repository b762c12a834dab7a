package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokligence/chatflow-gateway/internal/bootstrap"
)

var initOpts bootstrap.InitOptions

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold config/setting.ini, the environment file and an API seed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initOpts.Root = configRoot
		if err := bootstrap.Init(initOpts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote config for environment %q under %s\n", initOpts.Environment, configRoot)
		return nil
	},
}

func init() {
	f := initCmd.Flags()
	f.StringVar(&initOpts.Environment, "env", "dev", "environment to scaffold")
	f.StringVar(&initOpts.HTTPAddress, "http-address", ":8088", "listen address")
	f.StringVar(&initOpts.DatabaseDriver, "db", "sqlite", "database driver (sqlite|postgres)")
	f.StringVar(&initOpts.DatabaseDSN, "dsn", "", "postgres DSN")
	f.StringVar(&initOpts.SQLitePath, "sqlite-path", "", "sqlite database path")
	f.StringVar(&initOpts.UserCacheDriver, "user-cache", "memory", "known-user cache (memory|redis)")
	f.StringVar(&initOpts.RedisAddr, "redis-addr", "", "redis address for the user cache")
	f.BoolVar(&initOpts.Force, "force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}
