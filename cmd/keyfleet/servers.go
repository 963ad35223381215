// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// servers.go defines the fleet management subcommands: the server registry
// CRUD and the capacity probe.

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/i18n"
	"github.com/outline-solutions/keyfleet/internal/model"
	"github.com/outline-solutions/keyfleet/internal/registry"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage the key-server registry",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered servers with their fleet standing",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := coord.ServerStats(cmd.Context())
		if err != nil {
			log.Fatalf("server survey failed: %v", err)
		}
		if len(stats) == 0 {
			fmt.Println(i18n.T("servers.none"))
			return
		}
		for _, st := range stats {
			suffix := ""
			if !st.Server.Active {
				suffix = " " + i18n.T("servers.inactive_suffix")
			}
			if !st.Reachable {
				fmt.Printf("%s%s  local=%d  remote=%s\n",
					st.Server, suffix, st.LocalKeys, i18n.T("servers.unreachable"))
				continue
			}
			fmt.Printf("%s%s  local=%d  remote=%d/%d  traffic=%d\n",
				st.Server, suffix, st.LocalKeys, st.RemoteKeys, st.Server.Capacity, st.BytesUsed)
		}
	},
}

var serversAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a new key-server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		url, _ := cmd.Flags().GetString("url")
		fingerprint, _ := cmd.Flags().GetString("fingerprint")
		capacity, _ := cmd.Flags().GetInt("capacity")

		d := model.ServerDescriptor{
			ID:               args[0],
			DisplayName:      name,
			APIEndpoint:      url,
			TrustFingerprint: fingerprint,
			Capacity:         capacity,
			Active:           true,
		}
		if err := reg.Create(d); err != nil {
			log.Fatalf("add server failed: %v", err)
		}
		_ = db.Get().LogAction("ADD_SERVER", fmt.Sprintf("server: %s, endpoint: %s, capacity: %d", d.ID, d.APIEndpoint, d.Capacity))
		fmt.Printf("%s: %s\n", i18n.T("servers.added"), d)
	},
}

var serversRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a server from the registry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := reg.Remove(args[0]); err != nil {
			log.Fatalf("remove server failed: %v", err)
		}
		_ = db.Get().LogAction("REMOVE_SERVER", fmt.Sprintf("server: %s", args[0]))
		fmt.Printf("%s: %s\n", i18n.T("servers.removed"), args[0])
	},
}

var serversEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Allow new keys on a server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := reg.SetActive(args[0], true); err != nil {
			log.Fatalf("enable server failed: %v", err)
		}
		_ = db.Get().LogAction("ENABLE_SERVER", fmt.Sprintf("server: %s", args[0]))
		fmt.Printf("%s: %s\n", i18n.T("servers.enabled"), args[0])
	},
}

var serversDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Stop allocating new keys to a server",
	Long: `An inactive server accepts no new keys but keeps serving its existing
ones. Use migrate-server to evacuate it before removal.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := reg.SetActive(args[0], false); err != nil {
			log.Fatalf("disable server failed: %v", err)
		}
		_ = db.Get().LogAction("DISABLE_SERVER", fmt.Sprintf("server: %s", args[0]))
		fmt.Printf("%s: %s\n", i18n.T("servers.disabled"), args[0])
	},
}

// capacityCmd probes one server's live slot usage.
var capacityCmd = &cobra.Command{
	Use:   "capacity <server>",
	Short: "Check whether a server can admit another key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ok, current, max, err := coord.CheckCapacity(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("capacity check failed: %v", err)
		}
		label := i18n.T("capacity.full")
		if ok {
			label = i18n.T("capacity.available")
		}
		fmt.Printf("%s: %d/%d\n", label, current, max)
	},
}

func init() {
	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversAddCmd)
	serversCmd.AddCommand(serversRemoveCmd)
	serversCmd.AddCommand(serversEnableCmd)
	serversCmd.AddCommand(serversDisableCmd)

	serversAddCmd.Flags().String("name", "", "Human-readable display name")
	serversAddCmd.Flags().String("url", "", "Management API base URL (https, required)")
	serversAddCmd.Flags().String("fingerprint", "", "SHA-256 certificate fingerprint, 64 hex chars (required)")
	serversAddCmd.Flags().Int("capacity", registry.DefaultCapacity, "Maximum credentials on this server")
	_ = serversAddCmd.MarkFlagRequired("url")
	_ = serversAddCmd.MarkFlagRequired("fingerprint")
}
