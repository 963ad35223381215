// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for Keyfleet using the Cobra
// library. It defines the root command, global flags, and shared wiring for
// the subcommands defined in the sibling files.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/outline-solutions/keyfleet/internal/config"
	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/i18n"
	"github.com/outline-solutions/keyfleet/internal/lifecycle"
	"github.com/outline-solutions/keyfleet/internal/logging"
	"github.com/outline-solutions/keyfleet/internal/registry"
)

var version = "dev" // set by the linker

var (
	cfgFile string
	cfg     config.Config
	reg     *registry.Registry
	coord   *lifecycle.Coordinator
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

var rootCmd *cobra.Command

func init() {
	rootCmd = newRootCmd()
}

// newRootCmd creates and configures a new root cobra command. Fresh
// instances are also used for isolated testing.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyfleet",
		Short: "Keyfleet manages VPN access keys across a fleet of key-servers.",
		Long: `Keyfleet issues, migrates and revokes per-user VPN access keys on a
fleet of independently-operated key-servers. The local database is the
source of truth for which keys exist; a background reconciler removes
keys whose expiry has passed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cmd.Root(), cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logging.SetLevel(cfg.LogLevel)
			i18n.Init(cfg.Language)
			if err := db.InitDB(cfg.Database.Type, cfg.Database.DSN); err != nil {
				return fmt.Errorf("init database: %w", err)
			}
			reg = registry.New(cfg.Servers.Path)
			coord = lifecycle.New(db.Get(), reg, lifecycle.OutlineClients, nil)
			return nil
		},
	}

	cmd.AddCommand(issueCmd)
	cmd.AddCommand(keysCmd)
	cmd.AddCommand(usageCmd)
	cmd.AddCommand(migrateCmd)
	cmd.AddCommand(migrateServerCmd)
	cmd.AddCommand(revokeCmd)
	cmd.AddCommand(revokeOwnerCmd)
	cmd.AddCommand(recoverCmd)
	cmd.AddCommand(serversCmd)
	cmd.AddCommand(capacityCmd)
	cmd.AddCommand(reconcileCmd)
	cmd.AddCommand(auditCmd)
	cmd.AddCommand(backupCmd)
	cmd.AddCommand(restoreCmd)

	cmd.Version = version

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is keyfleet.yaml in the standard locations)")
	cmd.PersistentFlags().String("db-type", "sqlite", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "keyfleet.db", "Database connection string (DSN)")
	cmd.PersistentFlags().String("servers-file", "servers.yaml", "Path to the server registry file")
	cmd.PersistentFlags().String("lang", "en", `Output language ("en", "ru")`)

	return cmd
}
