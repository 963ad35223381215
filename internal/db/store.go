// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"github.com/outline-solutions/keyfleet/internal/model"
)

// Store defines the interface for all database operations in Keyfleet.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Owner methods
	EnsureOwner(ownerID int64, displayName string) (*model.Owner, error)
	GetOwner(ownerID int64) (*model.Owner, error)
	SetPromoGranted(ownerID int64) error
	SetPreferredServer(ownerID int64, serverID string) error
	GetAllOwners() ([]model.Owner, error)

	// Access key methods. Mutating calls take the version the caller read;
	// a stale version fails with ErrVersionConflict.
	AddAccessKey(k model.AccessKey) error
	GetAccessKey(id string) (*model.AccessKey, error)
	ListKeysByOwner(ownerID int64) ([]model.AccessKey, error)
	ListKeysByServer(serverID string) ([]model.AccessKey, error)
	ListAllKeys() ([]model.AccessKey, error)
	SetKeyEnabled(id string, version int, enabled bool) error
	DeleteAccessKey(id string, version int) error
	HasPromotionalKey(ownerID int64) (bool, error)

	// Block record methods (append-only)
	AddBlockRecord(r model.BlockRecord) error
	ListBlockRecords() ([]model.BlockRecord, error)
	ListBlockRecordsByOwner(ownerID int64) ([]model.BlockRecord, error)

	// Audit log methods
	LogAction(action string, details string) error
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)

	// Backup and restore
	ExportDataForBackup() (*model.BackupData, error)
	ImportDataFromBackup(data *model.BackupData) error
}
