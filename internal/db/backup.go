// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"github.com/outline-solutions/keyfleet/internal/model"
)

// ExportDataForBackupBun reads every table into a portable snapshot inside
// one transaction.
func ExportDataForBackupBun(bdb *bun.DB) (*model.BackupData, error) {
	ctx := context.Background()
	var backup *model.BackupData
	err := WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		backup = &model.BackupData{SchemaVersion: 1}

		var owners []OwnerModel
		if err := tx.NewSelect().Model(&owners).Scan(ctx); err != nil {
			return err
		}
		for _, o := range owners {
			backup.Owners = append(backup.Owners, ownerModelToModel(o))
		}

		var keys []AccessKeyModel
		if err := tx.NewSelect().Model(&keys).Scan(ctx); err != nil {
			return err
		}
		for _, k := range keys {
			backup.AccessKeys = append(backup.AccessKeys, accessKeyModelToModel(k))
		}

		var blocks []BlockRecordModel
		if err := tx.NewSelect().Model(&blocks).Scan(ctx); err != nil {
			return err
		}
		for _, b := range blocks {
			backup.BlockHistory = append(backup.BlockHistory, blockRecordModelToModel(b))
		}

		var entries []AuditLogModel
		if err := tx.NewSelect().Model(&entries).Scan(ctx); err != nil {
			return err
		}
		for _, e := range entries {
			backup.AuditLogEntries = append(backup.AuditLogEntries, model.AuditLogEntry{
				ID: e.ID, Timestamp: e.Timestamp, Username: e.Username, Action: e.Action, Details: e.Details,
			})
		}
		return nil
	})
	if err != nil {
		return nil, MapDBError(err)
	}
	return backup, nil
}

// ImportDataFromBackupBun wipes every table and replays the snapshot inside
// one transaction. A failed import leaves the database untouched.
func ImportDataFromBackupBun(bdb *bun.DB, backup *model.BackupData) error {
	ctx := context.Background()
	return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		// Wipe children before parents.
		tables := []string{"audit_log", "block_history", "access_keys", "owners"}
		for _, t := range tables {
			if _, err := ExecRaw(ctx, tx, "DELETE FROM "+t); err != nil {
				return err
			}
		}

		for _, o := range backup.Owners {
			var name, preferred interface{}
			if o.DisplayName != "" {
				name = o.DisplayName
			}
			if o.PreferredServerID != "" {
				preferred = o.PreferredServerID
			}
			if _, err := ExecRaw(ctx, tx,
				"INSERT INTO owners (id, display_name, preferred_server, promo_granted, created_at) VALUES (?, ?, ?, ?, ?)",
				o.ID, name, preferred, o.PromoGranted, o.CreatedAt); err != nil {
				return MapDBError(err)
			}
		}
		for _, k := range backup.AccessKeys {
			var expires interface{}
			if !k.ExpiresAt.IsZero() {
				expires = sql.NullTime{Time: k.ExpiresAt, Valid: true}
			}
			if _, err := ExecRaw(ctx, tx,
				"INSERT INTO access_keys (id, owner_id, server_id, remote_id, label, access_url, expires_at, is_promotional, is_enabled, version, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
				k.ID, k.OwnerID, k.ServerID, k.RemoteID, k.Label, k.AccessURL, expires, k.IsPromotional, k.IsEnabled, k.Version, k.CreatedAt); err != nil {
				return MapDBError(err)
			}
		}
		for _, b := range backup.BlockHistory {
			if _, err := ExecRaw(ctx, tx,
				"INSERT INTO block_history (id, owner_id, actor_id, reason, key_snapshot, blocked_at) VALUES (?, ?, ?, ?, ?, ?)",
				b.ID, b.OwnerID, b.ActorID, b.Reason, b.KeySnapshot, b.BlockedAt); err != nil {
				return MapDBError(err)
			}
		}
		// Audit timestamps travel as RFC3339 strings; hand MySQL a time.Time
		// when they parse.
		for _, e := range backup.AuditLogEntries {
			var ts interface{} = e.Timestamp
			if e.Timestamp != "" {
				if parsed, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
					ts = parsed
				}
			}
			if _, err := ExecRaw(ctx, tx,
				"INSERT INTO audit_log (timestamp, username, action, details) VALUES (?, ?, ?, ?)",
				ts, e.Username, e.Action, e.Details); err != nil {
				return MapDBError(err)
			}
		}
		return nil
	})
}
