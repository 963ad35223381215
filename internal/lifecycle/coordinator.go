// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package lifecycle coordinates the full life of a VPN access key: issuance
// with capacity admission, migration between servers, revocation with an
// audit trail, and recovery of credentials whose local bookkeeping was lost.
//
// The local database is the authority on which keys exist. Remote servers
// hold the live credentials. Every operation orders its steps so that a
// failure can at worst leak an unreferenced remote credential, never leave
// the database pointing at a credential that does not exist.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/logging"
	"github.com/outline-solutions/keyfleet/internal/model"
	"github.com/outline-solutions/keyfleet/internal/notify"
	"github.com/outline-solutions/keyfleet/internal/outline"
	"github.com/outline-solutions/keyfleet/internal/registry"
)

// KeyServerClient is the remote surface the coordinator needs from a key
// server. *outline.Client satisfies it; tests substitute fakes.
type KeyServerClient interface {
	CreateCredential(ctx context.Context, name string) (model.RemoteCredential, error)
	GetCredential(ctx context.Context, remoteID string) (model.RemoteCredential, error)
	DeleteCredential(ctx context.Context, remoteID string) error
	RenameCredential(ctx context.Context, remoteID, name string) error
	ListCredentials(ctx context.Context) ([]model.RemoteCredential, error)
	GetUsage(ctx context.Context, remoteID string) (int64, error)
}

// ClientFactory builds a client bound to one server descriptor.
type ClientFactory func(model.ServerDescriptor) (KeyServerClient, error)

// OutlineClients is the production factory.
func OutlineClients(d model.ServerDescriptor) (KeyServerClient, error) {
	return outline.NewClient(d)
}

// Coordinator drives key lifecycle operations against the store, the server
// registry and the remote fleet.
type Coordinator struct {
	store   db.Store
	reg     *registry.Registry
	clients ClientFactory
	sink    notify.Sink

	// now is swappable for tests.
	now func() time.Time
}

// New wires a coordinator. A nil sink falls back to log-only notifications.
func New(store db.Store, reg *registry.Registry, clients ClientFactory, sink notify.Sink) *Coordinator {
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Coordinator{
		store:   store,
		reg:     reg,
		clients: clients,
		sink:    sink,
		now:     time.Now,
	}
}

func (c *Coordinator) client(d model.ServerDescriptor) (KeyServerClient, error) {
	cl, err := c.clients(d)
	if err != nil {
		return nil, fmt.Errorf("client for server %s: %w", d.ID, err)
	}
	return cl, nil
}

func newKeyID() string { return uuid.NewString() }

func labelSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func issueLabel(ownerID int64, promotional bool) string {
	if promotional {
		return fmt.Sprintf("%d-promo-%s", ownerID, labelSuffix())
	}
	return fmt.Sprintf("%d-%s", ownerID, labelSuffix())
}

func migratedLabel(ownerID int64) string {
	return fmt.Sprintf("%d-migrated-%s", ownerID, labelSuffix())
}

// activeServer resolves a descriptor that may receive new credentials.
func (c *Coordinator) activeServer(serverID string) (model.ServerDescriptor, error) {
	d, err := c.reg.Get(serverID)
	if err != nil {
		return model.ServerDescriptor{}, fmt.Errorf("server %s: %w", serverID, err)
	}
	if !d.Active {
		return model.ServerDescriptor{}, fmt.Errorf("server %s: %w", serverID, ErrServerInactive)
	}
	return d, nil
}

// admit checks the target server's live credential count against its
// capacity. The count comes from the server itself, so credentials created
// outside this tool still occupy slots.
func (c *Coordinator) admit(ctx context.Context, d model.ServerDescriptor, cl KeyServerClient) error {
	creds, err := cl.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("capacity check on %s: %w", d.ID, err)
	}
	if len(creds) >= d.Capacity {
		return &CapacityExceededError{ServerID: d.ID, Current: len(creds), Max: d.Capacity}
	}
	return nil
}

// Issue creates a credential on the given server and records it locally.
// A zero ttl means the key never expires. Promotional issuance is a lifetime
// entitlement: one per owner, ever, revocation included.
func (c *Coordinator) Issue(ctx context.Context, ownerID int64, ownerName, serverID string, ttl time.Duration, promotional bool) (*model.AccessKey, error) {
	if _, err := c.store.EnsureOwner(ownerID, ownerName); err != nil {
		return nil, fmt.Errorf("ensure owner %d: %w", ownerID, err)
	}
	if promotional {
		had, err := c.store.HasPromotionalKey(ownerID)
		if err != nil {
			return nil, fmt.Errorf("promo history for owner %d: %w", ownerID, err)
		}
		if had {
			return nil, fmt.Errorf("owner %d: %w", ownerID, ErrAlreadyGranted)
		}
	}

	d, err := c.activeServer(serverID)
	if err != nil {
		return nil, err
	}
	cl, err := c.client(d)
	if err != nil {
		return nil, err
	}
	if err := c.admit(ctx, d, cl); err != nil {
		return nil, err
	}

	label := issueLabel(ownerID, promotional)
	cred, err := cl.CreateCredential(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("create credential on %s: %w", d.ID, err)
	}

	key := &model.AccessKey{
		ID:            newKeyID(),
		OwnerID:       ownerID,
		ServerID:      d.ID,
		RemoteID:      cred.ID,
		Label:         label,
		AccessURL:     cred.AccessURL,
		IsPromotional: promotional,
		IsEnabled:     true,
		Version:       1,
		CreatedAt:     c.now().UTC(),
	}
	if ttl > 0 {
		key.ExpiresAt = c.now().Add(ttl).UTC()
	}
	if err := c.store.AddAccessKey(*key); err != nil {
		// The remote credential now has no local owner. Leave it for the
		// operator rather than risk deleting someone else's key.
		logging.Warn("orphaned remote credential after failed insert",
			"server", d.ID, "remote_id", cred.ID, "label", label)
		return nil, fmt.Errorf("persist key for owner %d: %w", ownerID, err)
	}
	if promotional {
		if err := c.store.SetPromoGranted(ownerID); err != nil {
			logging.Warn("promo latch update failed", "owner", ownerID, "error", err)
		}
	}
	if err := c.store.SetPreferredServer(ownerID, d.ID); err != nil {
		logging.Warn("preferred server update failed", "owner", ownerID, "error", err)
	}
	_ = c.store.LogAction("ISSUE_KEY", fmt.Sprintf("key: %s, owner: %d, server: %s, promo: %t", key.ID, ownerID, d.ID, promotional))
	logging.Info("issued access key", "owner", ownerID, "server", d.ID, "key", key.ID, "promo", promotional)
	return key, nil
}

// MigrateResult reports a completed migration. OldDeleted is false when the
// source credential could not be removed and remains leaked on the old
// server.
type MigrateResult struct {
	Old        model.AccessKey
	New        model.AccessKey
	OldDeleted bool
}

// Migrate moves one key to another server. The new credential is created
// and persisted before the old one is touched, so the owner never loses
// access mid-operation. Expiry and promotional status carry over.
func (c *Coordinator) Migrate(ctx context.Context, keyID, targetServerID string) (*MigrateResult, error) {
	old, err := c.store.GetAccessKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyID, err)
	}
	if old == nil {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	if old.ServerID == targetServerID {
		return nil, fmt.Errorf("key %s on %s: %w", keyID, targetServerID, ErrSameServer)
	}

	target, err := c.activeServer(targetServerID)
	if err != nil {
		return nil, err
	}
	tcl, err := c.client(target)
	if err != nil {
		return nil, err
	}
	if err := c.admit(ctx, target, tcl); err != nil {
		return nil, err
	}

	label := migratedLabel(old.OwnerID)
	cred, err := tcl.CreateCredential(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("create credential on %s: %w", target.ID, err)
	}

	next := &model.AccessKey{
		ID:            newKeyID(),
		OwnerID:       old.OwnerID,
		ServerID:      target.ID,
		RemoteID:      cred.ID,
		Label:         label,
		AccessURL:     cred.AccessURL,
		ExpiresAt:     old.ExpiresAt,
		IsPromotional: old.IsPromotional,
		IsEnabled:     true,
		Version:       1,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.store.AddAccessKey(*next); err != nil {
		logging.Warn("orphaned remote credential after failed insert",
			"server", target.ID, "remote_id", cred.ID, "label", label)
		return nil, fmt.Errorf("persist migrated key: %w", err)
	}

	res := &MigrateResult{Old: *old, New: *next}

	// From here the cutover is done. Cleanup failures leak the old remote
	// credential but never undo the migration.
	res.OldDeleted = c.deleteRemote(ctx, old)

	if err := c.store.DeleteAccessKey(old.ID, old.Version); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			// Deleted concurrently. Nothing left to do.
		case errors.Is(err, db.ErrVersionConflict):
			logging.Warn("stale source row during migration cutover", "key", old.ID)
			return res, fmt.Errorf("remove old key %s: %w", old.ID, err)
		default:
			return res, fmt.Errorf("remove old key %s: %w", old.ID, err)
		}
	}
	if err := c.store.SetPreferredServer(old.OwnerID, target.ID); err != nil {
		logging.Warn("preferred server update failed", "owner", old.OwnerID, "error", err)
	}
	if err := c.sink.KeyMigrated(ctx, old.ServerID, *next); err != nil {
		logging.Warn("migration notification failed", "key", next.ID, "error", err)
	}
	_ = c.store.LogAction("MIGRATE_KEY", fmt.Sprintf("key: %s -> %s, owner: %d, from: %s, to: %s", old.ID, next.ID, old.OwnerID, old.ServerID, target.ID))
	logging.Info("migrated access key", "owner", old.OwnerID, "from", old.ServerID, "to", target.ID)
	return res, nil
}

// removeRemote deletes a credential from its server. Absence counts as
// success; any other failure is returned.
func (c *Coordinator) removeRemote(ctx context.Context, key *model.AccessKey) error {
	d, err := c.reg.Get(key.ServerID)
	if err != nil {
		return fmt.Errorf("server %s: %w", key.ServerID, err)
	}
	cl, err := c.client(d)
	if err != nil {
		return err
	}
	if err := cl.DeleteCredential(ctx, key.RemoteID); err != nil && !errors.Is(err, outline.ErrNotFound) {
		return fmt.Errorf("delete credential %s on %s: %w", key.RemoteID, key.ServerID, err)
	}
	return nil
}

// deleteRemote is the tolerated variant used after a cutover is already
// complete: the failure is logged and the credential leaked, not lost.
func (c *Coordinator) deleteRemote(ctx context.Context, key *model.AccessKey) bool {
	if err := c.removeRemote(ctx, key); err != nil {
		logging.Warn("leaked remote credential", "server", key.ServerID, "remote_id", key.RemoteID, "error", err)
		return false
	}
	return true
}

// keySnapshot is the block-history record of a revoked key. Field names are
// stable; promo history scans depend on is_promotional.
type keySnapshot struct {
	ID            string `json:"id"`
	OwnerID       int64  `json:"owner_id"`
	ServerID      string `json:"server_id"`
	RemoteID      string `json:"remote_id"`
	AccessURL     string `json:"access_url"`
	Label         string `json:"label"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	IsPromotional bool   `json:"is_promotional"`
	CreatedAt     string `json:"created_at"`
}

func snapshotJSON(key *model.AccessKey) string {
	s := keySnapshot{
		ID:            key.ID,
		OwnerID:       key.OwnerID,
		ServerID:      key.ServerID,
		RemoteID:      key.RemoteID,
		AccessURL:     key.AccessURL,
		Label:         key.Label,
		IsPromotional: key.IsPromotional,
		CreatedAt:     key.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !key.ExpiresAt.IsZero() {
		s.ExpiresAt = key.ExpiresAt.UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// RevokeKey removes one key remotely and locally, recording a block-history
// entry first so promotional entitlement survives the deletion.
func (c *Coordinator) RevokeKey(ctx context.Context, keyID string, actorID int64, reason string) error {
	key, err := c.store.GetAccessKey(keyID)
	if err != nil {
		return fmt.Errorf("load key %s: %w", keyID, err)
	}
	if key == nil {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	return c.revoke(ctx, key, actorID, reason)
}

// revoke removes the credential remotely before touching local state. A
// remote fault aborts with the row intact so the operation stays retryable;
// only confirmed absence counts as done.
func (c *Coordinator) revoke(ctx context.Context, key *model.AccessKey, actorID int64, reason string) error {
	if err := c.removeRemote(ctx, key); err != nil {
		return fmt.Errorf("revoke key %s: %w", key.ID, err)
	}

	rec := model.BlockRecord{
		OwnerID:     key.OwnerID,
		ActorID:     actorID,
		Reason:      reason,
		KeySnapshot: snapshotJSON(key),
		BlockedAt:   c.now().UTC(),
	}
	if err := c.store.AddBlockRecord(rec); err != nil {
		return fmt.Errorf("record block for owner %d: %w", key.OwnerID, err)
	}
	if err := c.store.DeleteAccessKey(key.ID, key.Version); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("remove key %s: %w", key.ID, err)
	}
	if err := c.sink.KeyRevoked(ctx, key.OwnerID, reason); err != nil {
		logging.Warn("revocation notification failed", "owner", key.OwnerID, "error", err)
	}
	_ = c.store.LogAction("REVOKE_KEY", fmt.Sprintf("key: %s, owner: %d, actor: %d, reason: %s", key.ID, key.OwnerID, actorID, reason))
	logging.Info("revoked access key", "owner", key.OwnerID, "server", key.ServerID, "key", key.ID, "reason", reason)
	return nil
}

// RevokeOwner revokes every key the owner holds. It keeps going past
// per-key failures and reports how many succeeded.
func (c *Coordinator) RevokeOwner(ctx context.Context, ownerID, actorID int64, reason string) (int, error) {
	keys, err := c.store.ListKeysByOwner(ownerID)
	if err != nil {
		return 0, fmt.Errorf("list keys for owner %d: %w", ownerID, err)
	}
	var revoked int
	var errs []error
	for i := range keys {
		if err := c.revoke(ctx, &keys[i], actorID, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		revoked++
	}
	return revoked, errors.Join(errs...)
}

// ListByOwner returns the owner's live keys.
func (c *Coordinator) ListByOwner(ownerID int64) ([]model.AccessKey, error) {
	return c.store.ListKeysByOwner(ownerID)
}

// CheckCapacity reports whether the server can admit another credential,
// along with its live count and limit.
func (c *Coordinator) CheckCapacity(ctx context.Context, serverID string) (bool, int, int, error) {
	d, err := c.reg.Get(serverID)
	if err != nil {
		return false, 0, 0, fmt.Errorf("server %s: %w", serverID, err)
	}
	cl, err := c.client(d)
	if err != nil {
		return false, 0, 0, err
	}
	creds, err := cl.ListCredentials(ctx)
	if err != nil {
		return false, 0, 0, fmt.Errorf("capacity check on %s: %w", d.ID, err)
	}
	return len(creds) < d.Capacity, len(creds), d.Capacity, nil
}

// ServerStat is one server's standing in the fleet overview. Reachable is
// false when the server could not be queried; remote fields are then zero.
type ServerStat struct {
	Server     model.ServerDescriptor
	LocalKeys  int
	RemoteKeys int
	BytesUsed  int64
	Reachable  bool
}

// ServerStats surveys every registered server, active or not. Unreachable
// servers are reported, not skipped.
func (c *Coordinator) ServerStats(ctx context.Context) ([]ServerStat, error) {
	servers, err := c.reg.ListAll()
	if err != nil {
		return nil, err
	}
	stats := make([]ServerStat, 0, len(servers))
	for _, d := range servers {
		st := ServerStat{Server: d}
		local, err := c.store.ListKeysByServer(d.ID)
		if err != nil {
			return nil, fmt.Errorf("list local keys for %s: %w", d.ID, err)
		}
		st.LocalKeys = len(local)

		cl, err := c.client(d)
		if err == nil {
			if creds, lerr := cl.ListCredentials(ctx); lerr == nil {
				st.RemoteKeys = len(creds)
				st.Reachable = true
				for _, k := range local {
					if n, uerr := cl.GetUsage(ctx, k.RemoteID); uerr == nil {
						st.BytesUsed += n
					}
				}
			} else {
				logging.Warn("server unreachable", "server", d.ID, "error", lerr)
			}
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// MigrateServer moves every key off one server onto another, typically
// ahead of decommissioning the source. It continues past per-key failures.
func (c *Coordinator) MigrateServer(ctx context.Context, fromServerID, toServerID string) (migrated, failed int, err error) {
	if fromServerID == toServerID {
		return 0, 0, ErrSameServer
	}
	keys, lerr := c.store.ListKeysByServer(fromServerID)
	if lerr != nil {
		return 0, 0, fmt.Errorf("list keys on %s: %w", fromServerID, lerr)
	}
	for i := range keys {
		if _, merr := c.Migrate(ctx, keys[i].ID, toServerID); merr != nil {
			logging.Warn("key skipped during server migration",
				"key", keys[i].ID, "owner", keys[i].OwnerID, "error", merr)
			failed++
			continue
		}
		migrated++
	}
	logging.Info("server migration finished", "from", fromServerID, "to", toServerID,
		"migrated", migrated, "failed", failed)
	return migrated, failed, nil
}

// KeyUsage reads the lifetime transferred bytes for one key from its server.
func (c *Coordinator) KeyUsage(ctx context.Context, keyID string) (int64, error) {
	key, err := c.store.GetAccessKey(keyID)
	if err != nil {
		return 0, fmt.Errorf("load key %s: %w", keyID, err)
	}
	if key == nil {
		return 0, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	d, err := c.reg.Get(key.ServerID)
	if err != nil {
		return 0, fmt.Errorf("server %s: %w", key.ServerID, err)
	}
	cl, err := c.client(d)
	if err != nil {
		return 0, err
	}
	return cl.GetUsage(ctx, key.RemoteID)
}
