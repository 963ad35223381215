// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package notify defines the boundary to whatever tells users and operators
// that something happened to their credentials. The production
// implementation lives in the messaging layer outside this module; inside
// it, delivery failures are always tolerated and never fail the operation
// that triggered them.
package notify

import (
	"context"

	"github.com/outline-solutions/keyfleet/internal/logging"
	"github.com/outline-solutions/keyfleet/internal/model"
)

// Sink receives lifecycle events for delivery to users or operators.
type Sink interface {
	// KeyExpired fires once per credential removed by a reconciliation sweep.
	KeyExpired(ctx context.Context, key model.AccessKey) error
	// KeyMigrated fires after a successful migration; newKey carries the
	// access URL the owner must switch to.
	KeyMigrated(ctx context.Context, oldServerID string, newKey model.AccessKey) error
	// KeyRevoked fires after an administrative revocation.
	KeyRevoked(ctx context.Context, ownerID int64, reason string) error
}

// LogSink writes events to the process log. It is the default sink for the
// CLI, where there is no user channel to deliver to.
type LogSink struct{}

func (LogSink) KeyExpired(_ context.Context, key model.AccessKey) error {
	logging.Info("credential expired", "key", key.ID, "owner", key.OwnerID, "server", key.ServerID)
	return nil
}

func (LogSink) KeyMigrated(_ context.Context, oldServerID string, newKey model.AccessKey) error {
	logging.Info("credential migrated", "key", newKey.ID, "owner", newKey.OwnerID,
		"from", oldServerID, "to", newKey.ServerID)
	return nil
}

func (LogSink) KeyRevoked(_ context.Context, ownerID int64, reason string) error {
	logging.Info("credential revoked", "owner", ownerID, "reason", reason)
	return nil
}
