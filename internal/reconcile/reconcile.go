// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package reconcile sweeps expired access keys out of the fleet. A sweep
// demotes each expired key in stages so that a crash at any point leaves
// the key either still pending or fully removed on the next pass, never
// half-forgotten: disable locally, delete remotely, delete locally, notify.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/lifecycle"
	"github.com/outline-solutions/keyfleet/internal/logging"
	"github.com/outline-solutions/keyfleet/internal/model"
	"github.com/outline-solutions/keyfleet/internal/notify"
	"github.com/outline-solutions/keyfleet/internal/outline"
	"github.com/outline-solutions/keyfleet/internal/registry"
)

// DefaultInterval is how often Run sweeps when the config does not say.
const DefaultInterval = 5 * time.Minute

// Reconciler periodically removes expired keys.
type Reconciler struct {
	store    db.Store
	reg      *registry.Registry
	clients  lifecycle.ClientFactory
	sink     notify.Sink
	interval time.Duration

	now func() time.Time
}

// New wires a reconciler. A non-positive interval falls back to
// DefaultInterval; a nil sink falls back to log-only notifications.
func New(store db.Store, reg *registry.Registry, clients lifecycle.ClientFactory, sink notify.Sink, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Reconciler{
		store:    store,
		reg:      reg,
		clients:  clients,
		sink:     sink,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps immediately and then on every interval tick until the context
// is cancelled. Sweep errors are logged, not fatal.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			logging.Errorf("reconciliation sweep failed: %v", err)
		} else if n > 0 {
			logging.Info("reconciliation sweep removed expired keys", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep removes every key whose expiry has passed and reports how many were
// removed. A sweep with nothing expired makes no remote calls at all. Keys
// whose removal stalls are retried by later sweeps; an owner is notified
// only once, on the sweep that completes the removal.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	keys, err := r.store.ListAllKeys()
	if err != nil {
		return 0, err
	}
	now := r.now()
	var removed int
	for i := range keys {
		key := keys[i]
		if key.ExpiresAt.IsZero() || key.ExpiresAt.After(now) {
			continue
		}
		if r.expire(ctx, key) {
			removed++
		}
	}
	return removed, nil
}

// expire demotes one expired key. Each stage tolerates the partial state a
// previous interrupted sweep may have left behind.
func (r *Reconciler) expire(ctx context.Context, key model.AccessKey) bool {
	version := key.Version
	if key.IsEnabled {
		err := r.store.SetKeyEnabled(key.ID, version, false)
		switch {
		case err == nil:
			version++
		case errors.Is(err, db.ErrNotFound):
			// Removed concurrently, nothing to do.
			return false
		case errors.Is(err, db.ErrVersionConflict):
			// Someone else is mutating this key. Leave it for the next sweep.
			logging.Warn("expired key changed mid-sweep", "key", key.ID)
			return false
		default:
			logging.Warn("disable failed for expired key", "key", key.ID, "error", err)
			return false
		}
	}

	r.deleteRemote(ctx, key)

	if err := r.store.DeleteAccessKey(key.ID, version); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			return false
		case errors.Is(err, db.ErrVersionConflict):
			logging.Warn("expired key changed mid-sweep", "key", key.ID)
			return false
		default:
			logging.Warn("delete failed for expired key", "key", key.ID, "error", err)
			return false
		}
	}
	if err := r.sink.KeyExpired(ctx, key); err != nil {
		logging.Warn("expiry notification failed", "key", key.ID, "owner", key.OwnerID, "error", err)
	}
	_ = r.store.LogAction("EXPIRE_KEY", fmt.Sprintf("key: %s, owner: %d, server: %s", key.ID, key.OwnerID, key.ServerID))
	logging.Info("expired key removed", "key", key.ID, "owner", key.OwnerID, "server", key.ServerID)
	return true
}

// deleteRemote best-effort removes the credential from its server. Absence
// is success; anything else leaks the credential until an operator cleans
// it up.
func (r *Reconciler) deleteRemote(ctx context.Context, key model.AccessKey) {
	d, err := r.reg.Get(key.ServerID)
	if err != nil {
		logging.Warn("leaked remote credential, server not in registry",
			"server", key.ServerID, "remote_id", key.RemoteID)
		return
	}
	cl, err := r.clients(d)
	if err != nil {
		logging.Warn("leaked remote credential", "server", key.ServerID, "remote_id", key.RemoteID, "error", err)
		return
	}
	if err := cl.DeleteCredential(ctx, key.RemoteID); err != nil && !errors.Is(err, outline.ErrNotFound) {
		logging.Warn("leaked remote credential", "server", key.ServerID, "remote_id", key.RemoteID, "error", err)
	}
}
