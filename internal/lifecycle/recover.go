// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/outline-solutions/keyfleet/internal/logging"
	"github.com/outline-solutions/keyfleet/internal/model"
	"github.com/outline-solutions/keyfleet/internal/outline"
)

// Reattach rebuilds the local row for a credential that exists on the
// server but whose local bookkeeping was lost. Strategies run in order of
// increasing cost and stop at the first hit:
//
//  1. direct lookup by remoteIDHint, if one was salvaged
//  2. lookup by the owner id itself, which legacy records used as remote id
//  3. full credential listing filtered by the owner's label convention
//
// A server fault aborts the search immediately, since absence cannot be
// told apart from unreachability. When every strategy misses, the result is
// ErrUnrecoverable.
func (c *Coordinator) Reattach(ctx context.Context, ownerID int64, serverID, remoteIDHint string) (*model.AccessKey, error) {
	d, err := c.reg.Get(serverID)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", serverID, err)
	}
	cl, err := c.client(d)
	if err != nil {
		return nil, err
	}

	cred, found, err := c.findRemote(ctx, cl, ownerID, remoteIDHint)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("owner %d on %s: %w", ownerID, serverID, ErrUnrecoverable)
	}

	if _, err := c.store.EnsureOwner(ownerID, ""); err != nil {
		return nil, fmt.Errorf("ensure owner %d: %w", ownerID, err)
	}

	// Legacy credentials carry non-conventional names. Relabel so the next
	// recovery scan finds them without falling through to a full listing.
	label := cred.Name
	if !ownsLabel(label, strconv.FormatInt(ownerID, 10)) || label == "" {
		label = issueLabel(ownerID, false)
		if rerr := cl.RenameCredential(ctx, cred.ID, label); rerr != nil {
			logging.Warn("relabel of recovered credential failed", "remote_id", cred.ID, "error", rerr)
			label = cred.Name
		}
	}

	key := &model.AccessKey{
		ID:        newKeyID(),
		OwnerID:   ownerID,
		ServerID:  d.ID,
		RemoteID:  cred.ID,
		Label:     label,
		AccessURL: cred.AccessURL,
		IsEnabled: true,
		Version:   1,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.AddAccessKey(*key); err != nil {
		return nil, fmt.Errorf("persist reattached key for owner %d: %w", ownerID, err)
	}
	_ = c.store.LogAction("RECOVER_KEY", fmt.Sprintf("key: %s, owner: %d, server: %s, remote_id: %s", key.ID, ownerID, d.ID, cred.ID))
	logging.Info("reattached credential", "owner", ownerID, "server", d.ID, "remote_id", cred.ID)
	return key, nil
}

func (c *Coordinator) findRemote(ctx context.Context, cl KeyServerClient, ownerID int64, remoteIDHint string) (model.RemoteCredential, bool, error) {
	if remoteIDHint != "" {
		cred, err := cl.GetCredential(ctx, remoteIDHint)
		if err == nil {
			return cred, true, nil
		}
		if !errors.Is(err, outline.ErrNotFound) {
			return model.RemoteCredential{}, false, err
		}
	}

	ownerStr := strconv.FormatInt(ownerID, 10)
	cred, err := cl.GetCredential(ctx, ownerStr)
	if err == nil {
		return cred, true, nil
	}
	if !errors.Is(err, outline.ErrNotFound) {
		return model.RemoteCredential{}, false, err
	}

	creds, err := cl.ListCredentials(ctx)
	if err != nil {
		return model.RemoteCredential{}, false, err
	}
	for i := range creds {
		if ownsLabel(creds[i].Name, ownerStr) {
			return creds[i], true, nil
		}
	}
	return model.RemoteCredential{}, false, nil
}

// ownsLabel matches the label conventions issued for an owner: the bare
// owner id, or any "<ownerID>-" prefixed label.
func ownsLabel(name, ownerStr string) bool {
	return name == ownerStr || strings.HasPrefix(name, ownerStr+"-")
}
