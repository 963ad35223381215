// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// maintenance.go defines the housekeeping subcommands: the expiry
// reconciler, the audit log viewer, and backup/restore.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/outline-solutions/keyfleet/internal/backup"
	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/i18n"
	"github.com/outline-solutions/keyfleet/internal/lifecycle"
	"github.com/outline-solutions/keyfleet/internal/reconcile"
)

// reconcileCmd sweeps expired keys once, or keeps sweeping with --watch.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove access keys whose expiry has passed",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		watch, _ := cmd.Flags().GetBool("watch")
		r := reconcile.New(db.Get(), reg, lifecycle.OutlineClients, nil, cfg.Reconcile.Interval)
		if watch {
			fmt.Println(i18n.T("reconcile.watch_started"))
			r.Run(cmd.Context())
			return
		}
		n, err := r.Sweep(cmd.Context())
		if err != nil {
			log.Fatalf("sweep failed: %v", err)
		}
		fmt.Printf("%s: %d\n", i18n.T("reconcile.removed"), n)
	},
}

// auditCmd prints the operator action log.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := db.Get().GetAllAuditLogEntries()
		if err != nil {
			log.Fatalf("audit log read failed: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println(i18n.T("audit.none"))
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s  %s\n", e.Timestamp, e.Username, e.Action, e.Details)
		}
	},
}

// backupCmd writes a compressed snapshot of the whole database.
var backupCmd = &cobra.Command{
	Use:   "backup <file>",
	Short: "Write a compressed database snapshot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := backup.Export(db.Get())
		if err != nil {
			log.Fatalf("export failed: %v", err)
		}
		f, err := os.Create(args[0])
		if err != nil {
			log.Fatalf("create backup file: %v", err)
		}
		defer f.Close()
		if err := backup.Write(data, f); err != nil {
			log.Fatalf("write backup: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("write backup: %v", err)
		}
		fmt.Printf("%s: %s\n", i18n.T("backup.written"), args[0])
	},
}

// restoreCmd replaces the database contents with a snapshot.
var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Replace the database contents with a snapshot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			log.Fatalf("open backup file: %v", err)
		}
		defer f.Close()
		if err := backup.Restore(f, db.Get()); err != nil {
			log.Fatalf("restore failed: %v", err)
		}
		fmt.Printf("%s: %s\n", i18n.T("backup.restored"), args[0])
	},
}

func init() {
	reconcileCmd.Flags().Bool("watch", false, "Keep sweeping on the configured interval")
}
