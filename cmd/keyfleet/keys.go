// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// keys.go defines the per-key lifecycle subcommands: issue, list, usage,
// migrate, revoke and recover.

package main

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/i18n"
	"github.com/outline-solutions/keyfleet/internal/model"
)

func parseOwnerID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		log.Fatalf("invalid owner id %q: %v", arg, err)
	}
	return id
}

func printKey(k model.AccessKey) {
	expiry := i18n.T("issue.never_expires")
	if !k.ExpiresAt.IsZero() {
		expiry = k.ExpiresAt.Local().Format(time.RFC3339)
	}
	state := ""
	if !k.IsEnabled {
		state = " [disabled]"
	}
	promo := ""
	if k.IsPromotional {
		promo = " [promo]"
	}
	fmt.Printf("%s  owner=%d  server=%s  %s: %s%s%s\n",
		k.ID, k.OwnerID, k.ServerID, i18n.T("issue.expires"), expiry, promo, state)
	fmt.Printf("    %s: %s\n", i18n.T("issue.access_url"), k.AccessURL)
}

// issueCmd creates a new access key for an owner on a chosen server.
var issueCmd = &cobra.Command{
	Use:   "issue <owner-id>",
	Short: "Issue a new access key for an owner",
	Long: `Creates a credential on the chosen server and records it locally.
Issuance is refused when the server is at capacity, and a promotional
key is refused when the owner ever had one before.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ownerID := parseOwnerID(args[0])
		server, _ := cmd.Flags().GetString("server")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		promo, _ := cmd.Flags().GetBool("promo")

		key, err := coord.Issue(cmd.Context(), ownerID, name, server, ttl, promo)
		if err != nil {
			log.Fatalf("issue failed: %v", err)
		}
		fmt.Println(i18n.T("issue.success"))
		printKey(*key)
	},
}

// keysCmd lists access keys, optionally filtered by owner or server.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List access keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ownerFlag, _ := cmd.Flags().GetString("owner")
		serverFlag, _ := cmd.Flags().GetString("server")

		var keys []model.AccessKey
		var err error
		switch {
		case ownerFlag != "":
			keys, err = coord.ListByOwner(parseOwnerID(ownerFlag))
		case serverFlag != "":
			keys, err = db.Get().ListKeysByServer(serverFlag)
		default:
			keys, err = db.Get().ListAllKeys()
		}
		if err != nil {
			log.Fatalf("list keys failed: %v", err)
		}
		if len(keys) == 0 {
			fmt.Println(i18n.T("keys.none"))
			return
		}
		for _, k := range keys {
			printKey(k)
		}
	},
}

// usageCmd reads the lifetime traffic counter for one key.
var usageCmd = &cobra.Command{
	Use:   "usage <key-id>",
	Short: "Show bytes transferred by an access key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := coord.KeyUsage(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("usage lookup failed: %v", err)
		}
		fmt.Printf("%s: %d\n", i18n.T("keys.usage_bytes"), n)
	},
}

// migrateCmd moves one key to another server.
var migrateCmd = &cobra.Command{
	Use:   "migrate <key-id>",
	Short: "Migrate an access key to another server",
	Long: `Creates a replacement credential on the target server before the old
one is removed, so the owner keeps access throughout. Expiry and
promotional status carry over.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target, _ := cmd.Flags().GetString("to")
		res, err := coord.Migrate(cmd.Context(), args[0], target)
		if err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		fmt.Println(i18n.T("migrate.success"))
		printKey(res.New)
		if !res.OldDeleted {
			fmt.Println(i18n.T("migrate.old_leaked"))
		}
	},
}

// migrateServerCmd evacuates every key from one server to another.
var migrateServerCmd = &cobra.Command{
	Use:   "migrate-server <from-server> <to-server>",
	Short: "Migrate all keys from one server to another",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		migrated, failed, err := coord.MigrateServer(cmd.Context(), args[0], args[1])
		if err != nil {
			log.Fatalf("server migration failed: %v", err)
		}
		fmt.Printf("%s: %d ok, %d failed\n", i18n.T("migrate.server_summary"), migrated, failed)
	},
}

// revokeCmd removes one key remotely and locally.
var revokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a single access key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		actor, _ := cmd.Flags().GetInt64("actor")
		reason, _ := cmd.Flags().GetString("reason")
		if err := coord.RevokeKey(cmd.Context(), args[0], actor, reason); err != nil {
			log.Fatalf("revocation failed: %v", err)
		}
		fmt.Println(i18n.T("revoke.key_success"))
	},
}

// revokeOwnerCmd removes every key an owner holds.
var revokeOwnerCmd = &cobra.Command{
	Use:   "revoke-owner <owner-id>",
	Short: "Revoke all access keys of an owner",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		actor, _ := cmd.Flags().GetInt64("actor")
		reason, _ := cmd.Flags().GetString("reason")
		n, err := coord.RevokeOwner(cmd.Context(), parseOwnerID(args[0]), actor, reason)
		if err != nil {
			log.Fatalf("revocation finished with errors (%d keys revoked): %v", n, err)
		}
		fmt.Printf("%s: %d\n", i18n.T("revoke.owner_summary"), n)
	},
}

// recoverCmd reattaches a server-side credential whose local record was lost.
var recoverCmd = &cobra.Command{
	Use:   "recover <owner-id> <server>",
	Short: "Reattach a remote credential with no local record",
	Long: `Searches the server for a credential belonging to the owner, trying a
salvaged remote id first, then the owner id itself, then the full
credential listing. On a hit the local record is rebuilt.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		hint, _ := cmd.Flags().GetString("hint")
		key, err := coord.Reattach(cmd.Context(), parseOwnerID(args[0]), args[1], hint)
		if err != nil {
			log.Fatalf("recovery failed: %v", err)
		}
		fmt.Println(i18n.T("recover.success"))
		printKey(*key)
	},
}

func init() {
	issueCmd.Flags().String("server", "", "Target server id (required)")
	issueCmd.Flags().String("name", "", "Owner display name, recorded on first contact")
	issueCmd.Flags().Duration("ttl", 0, "Key lifetime (0 means the key never expires)")
	issueCmd.Flags().Bool("promo", false, "Issue as a one-time promotional key")
	_ = issueCmd.MarkFlagRequired("server")

	keysCmd.Flags().String("owner", "", "Filter by owner id")
	keysCmd.Flags().String("server", "", "Filter by server id")

	migrateCmd.Flags().String("to", "", "Target server id (required)")
	_ = migrateCmd.MarkFlagRequired("to")

	revokeCmd.Flags().Int64("actor", 0, "Operator id recorded in block history")
	revokeCmd.Flags().String("reason", "", "Reason recorded in block history")
	revokeOwnerCmd.Flags().Int64("actor", 0, "Operator id recorded in block history")
	revokeOwnerCmd.Flags().String("reason", "", "Reason recorded in block history")

	recoverCmd.Flags().String("hint", "", "Possibly stale remote credential id")
}
