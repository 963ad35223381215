// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the per-backend store types. All three backends share
// the Bun adapter functions and differ only in dialect and migrations, so
// the shared implementation lives on bunStore and the backend types exist to
// keep store creation explicit per engine.
package db

import (
	"fmt"

	"github.com/outline-solutions/keyfleet/internal/model"
	"github.com/uptrace/bun"
)

// bunStore implements Store on top of a *bun.DB.
type bunStore struct {
	bun *bun.DB
}

// SqliteStore is the SQLite implementation of the Store interface.
type SqliteStore struct{ bunStore }

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct{ bunStore }

// MySQLStore is the MySQL implementation of the Store interface.
type MySQLStore struct{ bunStore }

// BunDB exposes the underlying bun handle for backup/restore tooling.
func (s bunStore) BunDB() *bun.DB { return s.bun }

func (s bunStore) EnsureOwner(ownerID int64, displayName string) (*model.Owner, error) {
	return EnsureOwnerBun(s.bun, ownerID, displayName)
}

func (s bunStore) GetOwner(ownerID int64) (*model.Owner, error) {
	return GetOwnerBun(s.bun, ownerID)
}

func (s bunStore) GetAllOwners() ([]model.Owner, error) {
	return GetAllOwnersBun(s.bun)
}

func (s bunStore) SetPromoGranted(ownerID int64) error {
	return SetPromoGrantedBun(s.bun, ownerID)
}

func (s bunStore) SetPreferredServer(ownerID int64, serverID string) error {
	return SetPreferredServerBun(s.bun, ownerID, serverID)
}

func (s bunStore) AddAccessKey(k model.AccessKey) error {
	err := AddAccessKeyBun(s.bun, k)
	if err == nil {
		_ = s.LogAction("ADD_ACCESS_KEY", fmt.Sprintf("key: %s, owner: %d, server: %s", k.ID, k.OwnerID, k.ServerID))
	}
	return err
}

func (s bunStore) GetAccessKey(id string) (*model.AccessKey, error) {
	return GetAccessKeyBun(s.bun, id)
}

func (s bunStore) ListKeysByOwner(ownerID int64) ([]model.AccessKey, error) {
	return ListKeysByOwnerBun(s.bun, ownerID)
}

func (s bunStore) ListKeysByServer(serverID string) ([]model.AccessKey, error) {
	return ListKeysByServerBun(s.bun, serverID)
}

func (s bunStore) ListAllKeys() ([]model.AccessKey, error) {
	return ListAllKeysBun(s.bun)
}

func (s bunStore) SetKeyEnabled(id string, version int, enabled bool) error {
	return SetKeyEnabledBun(s.bun, id, version, enabled)
}

func (s bunStore) DeleteAccessKey(id string, version int) error {
	err := DeleteAccessKeyBun(s.bun, id, version)
	if err == nil {
		_ = s.LogAction("DELETE_ACCESS_KEY", fmt.Sprintf("key: %s", id))
	}
	return err
}

func (s bunStore) HasPromotionalKey(ownerID int64) (bool, error) {
	return HasPromotionalKeyBun(s.bun, ownerID)
}

func (s bunStore) AddBlockRecord(r model.BlockRecord) error {
	return AddBlockRecordBun(s.bun, r)
}

func (s bunStore) ListBlockRecords() ([]model.BlockRecord, error) {
	return ListBlockRecordsBun(s.bun)
}

func (s bunStore) ListBlockRecordsByOwner(ownerID int64) ([]model.BlockRecord, error) {
	return ListBlockRecordsByOwnerBun(s.bun, ownerID)
}

func (s bunStore) LogAction(action string, details string) error {
	return LogActionBun(s.bun, action, details)
}

func (s bunStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(s.bun)
}

func (s bunStore) ExportDataForBackup() (*model.BackupData, error) {
	return ExportDataForBackupBun(s.bun)
}

func (s bunStore) ImportDataFromBackup(data *model.BackupData) error {
	err := ImportDataFromBackupBun(s.bun, data)
	if err == nil {
		_ = s.LogAction("RESTORE_BACKUP", fmt.Sprintf("owners: %d, keys: %d", len(data.Owners), len(data.AccessKeys)))
	}
	return err
}
