// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/model"
	"github.com/outline-solutions/keyfleet/internal/outline"
	"github.com/outline-solutions/keyfleet/internal/registry"
)

const testFingerprint = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// fakeRemote is an in-memory key-server.
type fakeRemote struct {
	serverID string
	nextID   int
	creds    map[string]model.RemoteCredential
	usage    map[string]int64

	failCreate error
	failDelete error
	failGet    error
	failList   error

	listCalls   int
	deleteCalls int
}

func newFakeRemote(serverID string) *fakeRemote {
	return &fakeRemote{
		serverID: serverID,
		nextID:   1,
		creds:    map[string]model.RemoteCredential{},
		usage:    map[string]int64{},
	}
}

func (f *fakeRemote) seed(id, name string) {
	f.creds[id] = model.RemoteCredential{ID: id, Name: name, AccessURL: "ss://" + f.serverID + "/" + id}
}

func (f *fakeRemote) CreateCredential(_ context.Context, name string) (model.RemoteCredential, error) {
	if f.failCreate != nil {
		return model.RemoteCredential{}, f.failCreate
	}
	id := fmt.Sprintf("%d", f.nextID)
	f.nextID++
	cred := model.RemoteCredential{ID: id, Name: name, AccessURL: "ss://" + f.serverID + "/" + id}
	f.creds[id] = cred
	return cred, nil
}

func (f *fakeRemote) GetCredential(_ context.Context, remoteID string) (model.RemoteCredential, error) {
	if f.failGet != nil {
		return model.RemoteCredential{}, f.failGet
	}
	cred, ok := f.creds[remoteID]
	if !ok {
		return model.RemoteCredential{}, outline.ErrNotFound
	}
	return cred, nil
}

func (f *fakeRemote) DeleteCredential(_ context.Context, remoteID string) error {
	f.deleteCalls++
	if f.failDelete != nil {
		return f.failDelete
	}
	if _, ok := f.creds[remoteID]; !ok {
		return outline.ErrNotFound
	}
	delete(f.creds, remoteID)
	return nil
}

func (f *fakeRemote) RenameCredential(_ context.Context, remoteID, name string) error {
	cred, ok := f.creds[remoteID]
	if !ok {
		return outline.ErrNotFound
	}
	cred.Name = name
	f.creds[remoteID] = cred
	return nil
}

func (f *fakeRemote) ListCredentials(_ context.Context) ([]model.RemoteCredential, error) {
	f.listCalls++
	if f.failList != nil {
		return nil, f.failList
	}
	out := make([]model.RemoteCredential, 0, len(f.creds))
	for _, c := range f.creds {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRemote) GetUsage(_ context.Context, remoteID string) (int64, error) {
	return f.usage[remoteID], nil
}

type testFleet struct {
	t       *testing.T
	store   db.Store
	reg     *registry.Registry
	remotes map[string]*fakeRemote
	coord   *Coordinator
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()
	dsn := "file:lifecycle_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	store, err := db.NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN failed: %v", err)
	}
	reg := registry.New(filepath.Join(t.TempDir(), "servers.yaml"))

	f := &testFleet{t: t, store: store, reg: reg, remotes: map[string]*fakeRemote{}}
	f.coord = New(store, reg, f.factory, nil)
	return f
}

func (f *testFleet) factory(d model.ServerDescriptor) (KeyServerClient, error) {
	r, ok := f.remotes[d.ID]
	if !ok {
		return nil, fmt.Errorf("no fake for server %s", d.ID)
	}
	return r, nil
}

func (f *testFleet) addServer(id string, capacity int, active bool) *fakeRemote {
	f.t.Helper()
	err := f.reg.Create(model.ServerDescriptor{
		ID:               id,
		APIEndpoint:      "https://" + id + ".example.com",
		TrustFingerprint: testFingerprint,
		Capacity:         capacity,
		Active:           active,
	})
	if err != nil {
		f.t.Fatalf("register server %s: %v", id, err)
	}
	r := newFakeRemote(id)
	f.remotes[id] = r
	return r
}

func TestIssue_Success(t *testing.T) {
	f := newTestFleet(t)
	remote := f.addServer("alpha", 10, true)
	ctx := context.Background()

	key, err := f.coord.Issue(ctx, 100, "alice", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if key.OwnerID != 100 || key.ServerID != "alpha" || !key.IsEnabled || key.Version != 1 {
		t.Fatalf("unexpected key: %+v", key)
	}
	if !strings.HasPrefix(key.Label, "100-") {
		t.Fatalf("expected owner-prefixed label, got %q", key.Label)
	}
	if !key.ExpiresAt.IsZero() {
		t.Fatalf("zero ttl must mean no expiry, got %v", key.ExpiresAt)
	}
	if len(remote.creds) != 1 {
		t.Fatalf("expected 1 remote credential, got %d", len(remote.creds))
	}

	stored, err := f.store.GetAccessKey(key.ID)
	if err != nil || stored == nil {
		t.Fatalf("key not persisted: %v", err)
	}
	owner, err := f.store.GetOwner(100)
	if err != nil || owner == nil {
		t.Fatalf("owner not persisted: %v", err)
	}
	if owner.PreferredServerID != "alpha" {
		t.Fatalf("expected preferred server to follow issuance, got %q", owner.PreferredServerID)
	}

	entries, err := f.store.GetAllAuditLogEntries()
	if err != nil {
		t.Fatalf("audit read failed: %v", err)
	}
	var audited bool
	for _, e := range entries {
		if e.Action == "ISSUE_KEY" && strings.Contains(e.Details, key.ID) {
			audited = true
		}
	}
	if !audited {
		t.Fatalf("expected an ISSUE_KEY audit entry for %s", key.ID)
	}
}

func TestIssue_TTL(t *testing.T) {
	f := newTestFleet(t)
	f.addServer("alpha", 10, true)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.coord.now = func() time.Time { return base }

	key, err := f.coord.Issue(context.Background(), 100, "", "alpha", 48*time.Hour, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !key.ExpiresAt.Equal(base.Add(48 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", key.ExpiresAt)
	}
}

func TestIssue_CapacityExceeded(t *testing.T) {
	f := newTestFleet(t)
	remote := f.addServer("alpha", 1, true)
	remote.seed("existing", "someone-else")

	_, err := f.coord.Issue(context.Background(), 100, "", "alpha", 0, false)
	if !IsCapacityExceeded(err) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	var ce *CapacityExceededError
	errors.As(err, &ce)
	if ce.Current != 1 || ce.Max != 1 || ce.ServerID != "alpha" {
		t.Fatalf("unexpected capacity detail: %+v", ce)
	}

	// Admission control counts credentials issued outside this tool, and a
	// rejected issuance must leave no partial state anywhere.
	if len(remote.creds) != 1 {
		t.Fatalf("rejected issue must not create credentials, got %d", len(remote.creds))
	}
	keys, _ := f.store.ListKeysByOwner(100)
	if len(keys) != 0 {
		t.Fatalf("rejected issue must not persist keys, got %d", len(keys))
	}
}

func TestIssue_InactiveServerRefused(t *testing.T) {
	f := newTestFleet(t)
	f.addServer("alpha", 10, false)

	_, err := f.coord.Issue(context.Background(), 100, "", "alpha", 0, false)
	if !errors.Is(err, ErrServerInactive) {
		t.Fatalf("expected ErrServerInactive, got %v", err)
	}
}

func TestIssue_PromoIsLifetimeEntitlement(t *testing.T) {
	f := newTestFleet(t)
	f.addServer("alpha", 10, true)
	ctx := context.Background()

	key, err := f.coord.Issue(ctx, 100, "", "alpha", 0, true)
	if err != nil {
		t.Fatalf("promo Issue failed: %v", err)
	}
	if !key.IsPromotional || !strings.Contains(key.Label, "-promo-") {
		t.Fatalf("expected promotional key, got %+v", key)
	}

	// A second promo is refused while the first is live.
	if _, err := f.coord.Issue(ctx, 100, "", "alpha", 0, true); !errors.Is(err, ErrAlreadyGranted) {
		t.Fatalf("expected ErrAlreadyGranted, got %v", err)
	}

	// And still refused after the key is revoked.
	if err := f.coord.RevokeKey(ctx, key.ID, 1, "expired promo"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := f.coord.Issue(ctx, 100, "", "alpha", 0, true); !errors.Is(err, ErrAlreadyGranted) {
		t.Fatalf("expected ErrAlreadyGranted after revocation, got %v", err)
	}

	// Ordinary keys stay available.
	if _, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false); err != nil {
		t.Fatalf("ordinary Issue after promo failed: %v", err)
	}
}

func TestMigrate_PreservesAccessContinuity(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	beta := f.addServer("beta", 10, true)
	ctx := context.Background()

	old, err := f.coord.Issue(ctx, 100, "", "alpha", 72*time.Hour, true)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	res, err := f.coord.Migrate(ctx, old.ID, "beta")
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if res.New.ServerID != "beta" || !res.OldDeleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.New.ExpiresAt.Equal(old.ExpiresAt) {
		t.Fatalf("expiry must carry over: %v != %v", res.New.ExpiresAt, old.ExpiresAt)
	}
	if !res.New.IsPromotional {
		t.Fatalf("promotional status must carry over")
	}
	if !strings.Contains(res.New.Label, "-migrated-") {
		t.Fatalf("expected migrated label, got %q", res.New.Label)
	}

	// Old identity fully gone, new one live.
	if gone, _ := f.store.GetAccessKey(old.ID); gone != nil {
		t.Fatalf("old key must not resolve after migration")
	}
	if len(alpha.creds) != 0 {
		t.Fatalf("old remote credential must be deleted, %d left", len(alpha.creds))
	}
	if len(beta.creds) != 1 {
		t.Fatalf("expected 1 credential on target, got %d", len(beta.creds))
	}
	owner, _ := f.store.GetOwner(100)
	if owner.PreferredServerID != "beta" {
		t.Fatalf("preferred server must follow migration, got %q", owner.PreferredServerID)
	}
}

func TestMigrate_ToleratesOldDeleteFailure(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	f.addServer("beta", 10, true)
	ctx := context.Background()

	old, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	alpha.failDelete = &outline.RemoteError{Server: "alpha", Op: "delete", Status: http.StatusInternalServerError}

	res, err := f.coord.Migrate(ctx, old.ID, "beta")
	if err != nil {
		t.Fatalf("Migrate must succeed despite leaked old credential: %v", err)
	}
	if res.OldDeleted {
		t.Fatalf("expected OldDeleted=false when the source delete fails")
	}
	// The cutover still happened: old row gone, new row authoritative.
	if gone, _ := f.store.GetAccessKey(old.ID); gone != nil {
		t.Fatalf("old key must not resolve after cutover")
	}
	if got, _ := f.store.GetAccessKey(res.New.ID); got == nil {
		t.Fatalf("new key must be persisted")
	}
}

func TestMigrate_TargetGuards(t *testing.T) {
	f := newTestFleet(t)
	f.addServer("alpha", 10, true)
	beta := f.addServer("beta", 1, true)
	beta.seed("full", "someone-else")
	ctx := context.Background()

	old, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := f.coord.Migrate(ctx, old.ID, "alpha"); !errors.Is(err, ErrSameServer) {
		t.Fatalf("expected ErrSameServer, got %v", err)
	}
	if _, err := f.coord.Migrate(ctx, old.ID, "beta"); !IsCapacityExceeded(err) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if _, err := f.coord.Migrate(ctx, "no-such-key", "beta"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	// A failed migration leaves the original key untouched.
	if got, _ := f.store.GetAccessKey(old.ID); got == nil {
		t.Fatalf("source key must survive failed migrations")
	}
}

func TestRevokeKey_IsTerminal(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	ctx := context.Background()

	key, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := f.coord.RevokeKey(ctx, key.ID, 7, "terms violation"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if gone, _ := f.store.GetAccessKey(key.ID); gone != nil {
		t.Fatalf("revoked key must not resolve")
	}
	if len(alpha.creds) != 0 {
		t.Fatalf("remote credential must be deleted")
	}
	recs, err := f.store.ListBlockRecordsByOwner(100)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one block record, got %d (%v)", len(recs), err)
	}
	if recs[0].ActorID != 7 || recs[0].Reason != "terms violation" {
		t.Fatalf("unexpected block record: %+v", recs[0])
	}
	if !strings.Contains(recs[0].KeySnapshot, `"is_promotional":false`) {
		t.Fatalf("snapshot must record promotional status: %s", recs[0].KeySnapshot)
	}

	if err := f.coord.RevokeKey(ctx, key.ID, 7, "again"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound on double revoke, got %v", err)
	}
}

func TestRevokeKey_ToleratesMissingRemote(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	ctx := context.Background()

	key, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	// Credential already gone server-side.
	delete(alpha.creds, key.RemoteID)

	if err := f.coord.RevokeKey(ctx, key.ID, 1, "cleanup"); err != nil {
		t.Fatalf("RevokeKey must tolerate an absent remote credential: %v", err)
	}
}

func TestRevokeKey_AbortsOnRemoteFault(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	ctx := context.Background()

	key, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	fault := &outline.RemoteError{Server: "alpha", Op: "delete", Status: 500}
	alpha.failDelete = fault

	err = f.coord.RevokeKey(ctx, key.ID, 1, "abuse")
	var re *outline.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected the remote fault to surface, got %v", err)
	}
	// The row must survive so the revocation can be retried; a deleted row
	// with a live remote credential would leave the user unblockable.
	if stored, _ := f.store.GetAccessKey(key.ID); stored == nil {
		t.Fatalf("local row must survive a failed remote delete")
	}
	if recs, _ := f.store.ListBlockRecordsByOwner(100); len(recs) != 0 {
		t.Fatalf("no block record may be written before the remote delete succeeds, got %d", len(recs))
	}
	if len(alpha.creds) != 1 {
		t.Fatalf("remote credential should still exist, got %d", len(alpha.creds))
	}

	// Once the server recovers the same revocation goes through.
	alpha.failDelete = nil
	if err := f.coord.RevokeKey(ctx, key.ID, 1, "abuse"); err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	if stored, _ := f.store.GetAccessKey(key.ID); stored != nil {
		t.Fatalf("retried revocation must remove the row")
	}
	if len(alpha.creds) != 0 {
		t.Fatalf("retried revocation must remove the credential, got %d", len(alpha.creds))
	}
}

func TestRevokeOwner_RevokesAcrossServers(t *testing.T) {
	f := newTestFleet(t)
	f.addServer("alpha", 10, true)
	f.addServer("beta", 10, true)
	ctx := context.Background()

	if _, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := f.coord.Issue(ctx, 100, "", "beta", 0, false); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := f.coord.Issue(ctx, 200, "", "alpha", 0, false); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	n, err := f.coord.RevokeOwner(ctx, 100, 1, "account closed")
	if err != nil {
		t.Fatalf("RevokeOwner failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revocations, got %d", n)
	}
	left, _ := f.store.ListKeysByOwner(100)
	if len(left) != 0 {
		t.Fatalf("owner 100 must have no keys left, got %d", len(left))
	}
	other, _ := f.store.ListKeysByOwner(200)
	if len(other) != 1 {
		t.Fatalf("other owners must be untouched, got %d", len(other))
	}
}

func TestCheckCapacity(t *testing.T) {
	f := newTestFleet(t)
	remote := f.addServer("alpha", 2, true)
	remote.seed("1", "x")

	ok, current, max, err := f.coord.CheckCapacity(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("CheckCapacity failed: %v", err)
	}
	if !ok || current != 1 || max != 2 {
		t.Fatalf("unexpected capacity: ok=%v %d/%d", ok, current, max)
	}

	remote.seed("2", "y")
	ok, current, _, err = f.coord.CheckCapacity(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("CheckCapacity failed: %v", err)
	}
	if ok || current != 2 {
		t.Fatalf("expected full server, got ok=%v current=%d", ok, current)
	}
}

func TestMigrateServer_EvacuatesEverything(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	beta := f.addServer("beta", 10, true)
	ctx := context.Background()

	for owner := int64(1); owner <= 3; owner++ {
		if _, err := f.coord.Issue(ctx, owner, "", "alpha", 0, false); err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
	}

	migrated, failed, err := f.coord.MigrateServer(ctx, "alpha", "beta")
	if err != nil {
		t.Fatalf("MigrateServer failed: %v", err)
	}
	if migrated != 3 || failed != 0 {
		t.Fatalf("expected 3/0, got %d/%d", migrated, failed)
	}
	if len(alpha.creds) != 0 {
		t.Fatalf("source server must be empty, %d left", len(alpha.creds))
	}
	if len(beta.creds) != 3 {
		t.Fatalf("target server must hold 3 credentials, got %d", len(beta.creds))
	}
	onAlpha, _ := f.store.ListKeysByServer("alpha")
	if len(onAlpha) != 0 {
		t.Fatalf("no local rows may point at the source, got %d", len(onAlpha))
	}
}

func TestServerStats(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	down := f.addServer("down", 10, false)
	down.failList = &outline.RemoteError{Server: "down", Op: "list", Err: errors.New("conn refused")}
	ctx := context.Background()

	key, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	alpha.usage[key.RemoteID] = 42

	stats, err := f.coord.ServerStats(ctx)
	if err != nil {
		t.Fatalf("ServerStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected stats for both servers, got %d", len(stats))
	}
	for _, st := range stats {
		switch st.Server.ID {
		case "alpha":
			if !st.Reachable || st.LocalKeys != 1 || st.RemoteKeys != 1 || st.BytesUsed != 42 {
				t.Fatalf("unexpected alpha stat: %+v", st)
			}
		case "down":
			if st.Reachable {
				t.Fatalf("down server must be reported unreachable")
			}
		}
	}
}

func TestKeyUsage(t *testing.T) {
	f := newTestFleet(t)
	alpha := f.addServer("alpha", 10, true)
	ctx := context.Background()

	key, err := f.coord.Issue(ctx, 100, "", "alpha", 0, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	alpha.usage[key.RemoteID] = 9000

	n, err := f.coord.KeyUsage(ctx, key.ID)
	if err != nil {
		t.Fatalf("KeyUsage failed: %v", err)
	}
	if n != 9000 {
		t.Fatalf("expected 9000 bytes, got %d", n)
	}
	if _, err := f.coord.KeyUsage(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
