// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the core domain types for Keyfleet. These are plain
// value types shared by the store, the coordinator, and the CLI; they carry
// no persistence or transport concerns of their own.
package model

import (
	"fmt"
	"time"
)

// ServerDescriptor describes one independently-operated regional key-server.
// Identity is the ID slug; everything else is operator-editable.
type ServerDescriptor struct {
	ID               string
	DisplayName      string
	APIEndpoint      string
	TrustFingerprint string
	Capacity         int
	Active           bool
}

// String returns the slug with its display name, e.g. "amsterdam (🇳🇱 Amsterdam)".
func (s ServerDescriptor) String() string {
	if s.DisplayName == "" || s.DisplayName == s.ID {
		return s.ID
	}
	return fmt.Sprintf("%s (%s)", s.ID, s.DisplayName)
}

// AccessKey is one issued VPN credential. The local ID is the only identifier
// exposed to callers; RemoteID is the server-side identifier and is only
// meaningful together with ServerID.
type AccessKey struct {
	ID            string
	OwnerID       int64
	ServerID      string
	RemoteID      string
	Label         string
	AccessURL     string
	ExpiresAt     time.Time // zero value means "never expires"
	IsPromotional bool
	IsEnabled     bool
	Version       int
	CreatedAt     time.Time
}

// ActiveAt reports whether the key grants access at the given instant.
func (k AccessKey) ActiveAt(now time.Time) bool {
	if !k.IsEnabled {
		return false
	}
	return k.ExpiresAt.IsZero() || k.ExpiresAt.After(now)
}

// Owner is the user an access key belongs to. PromoGranted is a lifetime
// latch: once a promotional key has been issued it stays set, even after the
// key itself is long gone.
type Owner struct {
	ID                int64
	DisplayName       string
	PreferredServerID string
	PromoGranted      bool
	CreatedAt         time.Time
}

// BlockRecord is an append-only audit entry written when a credential is
// revoked. KeySnapshot holds the revoked AccessKey serialized as JSON.
type BlockRecord struct {
	ID          string
	OwnerID     int64
	ActorID     int64
	Reason      string
	KeySnapshot string
	BlockedAt   time.Time
}

// RemoteCredential is the subset of a key-server's credential object this
// system consumes. Everything else in the server's JSON is deliberately
// opaque.
type RemoteCredential struct {
	ID        string
	Name      string
	AccessURL string
}

// AuditLogEntry is a row in the operator action log.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Username  string
	Action    string
	Details   string
}

// BackupData is the portable snapshot format used by backup, restore and
// cross-database migration.
type BackupData struct {
	SchemaVersion   int             `json:"schema_version"`
	Owners          []Owner         `json:"owners,omitempty"`
	AccessKeys      []AccessKey     `json:"access_keys,omitempty"`
	BlockHistory    []BlockRecord   `json:"block_history,omitempty"`
	AuditLogEntries []AuditLogEntry `json:"audit_log,omitempty"`
}
