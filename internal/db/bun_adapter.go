package db

import (
	"context"
	"database/sql"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/outline-solutions/keyfleet/internal/model"
	"github.com/uptrace/bun"
)

// OwnerModel maps the `owners` table for Bun queries.
type OwnerModel struct {
	bun.BaseModel   `bun:"table:owners"`
	ID              int64          `bun:"id,pk"`
	DisplayName     sql.NullString `bun:"display_name"`
	PreferredServer sql.NullString `bun:"preferred_server"`
	PromoGranted    bool           `bun:"promo_granted"`
	CreatedAt       time.Time      `bun:"created_at"`
}

// AccessKeyModel maps the `access_keys` table.
type AccessKeyModel struct {
	bun.BaseModel `bun:"table:access_keys"`
	ID            string       `bun:"id,pk"`
	OwnerID       int64        `bun:"owner_id"`
	ServerID      string       `bun:"server_id"`
	RemoteID      string       `bun:"remote_id"`
	Label         string       `bun:"label"`
	AccessURL     string       `bun:"access_url"`
	ExpiresAt     sql.NullTime `bun:"expires_at"`
	IsPromotional bool         `bun:"is_promotional"`
	IsEnabled     bool         `bun:"is_enabled"`
	Version       int          `bun:"version"`
	CreatedAt     time.Time    `bun:"created_at"`
}

// BlockRecordModel maps the append-only block_history table.
type BlockRecordModel struct {
	bun.BaseModel `bun:"table:block_history"`
	ID            string    `bun:"id,pk"`
	OwnerID       int64     `bun:"owner_id"`
	ActorID       int64     `bun:"actor_id"`
	Reason        string    `bun:"reason"`
	KeySnapshot   string    `bun:"key_snapshot"`
	BlockedAt     time.Time `bun:"blocked_at"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Username      string `bun:"username"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// --- Mapping helpers (centralized conversions) ---

func ownerModelToModel(o OwnerModel) model.Owner {
	ow := model.Owner{
		ID:           o.ID,
		PromoGranted: o.PromoGranted,
		CreatedAt:    o.CreatedAt,
	}
	if o.DisplayName.Valid {
		ow.DisplayName = o.DisplayName.String
	}
	if o.PreferredServer.Valid {
		ow.PreferredServerID = o.PreferredServer.String
	}
	return ow
}

func accessKeyModelToModel(a AccessKeyModel) model.AccessKey {
	k := model.AccessKey{
		ID:            a.ID,
		OwnerID:       a.OwnerID,
		ServerID:      a.ServerID,
		RemoteID:      a.RemoteID,
		Label:         a.Label,
		AccessURL:     a.AccessURL,
		IsPromotional: a.IsPromotional,
		IsEnabled:     a.IsEnabled,
		Version:       a.Version,
		CreatedAt:     a.CreatedAt,
	}
	if a.ExpiresAt.Valid {
		k.ExpiresAt = a.ExpiresAt.Time
	}
	return k
}

func accessKeyModelFromModel(k model.AccessKey) *AccessKeyModel {
	am := &AccessKeyModel{
		ID:            k.ID,
		OwnerID:       k.OwnerID,
		ServerID:      k.ServerID,
		RemoteID:      k.RemoteID,
		Label:         k.Label,
		AccessURL:     k.AccessURL,
		IsPromotional: k.IsPromotional,
		IsEnabled:     k.IsEnabled,
		Version:       k.Version,
		CreatedAt:     k.CreatedAt,
	}
	if !k.ExpiresAt.IsZero() {
		am.ExpiresAt = sql.NullTime{Time: k.ExpiresAt, Valid: true}
	}
	return am
}

func blockRecordModelToModel(b BlockRecordModel) model.BlockRecord {
	return model.BlockRecord{
		ID:          b.ID,
		OwnerID:     b.OwnerID,
		ActorID:     b.ActorID,
		Reason:      b.Reason,
		KeySnapshot: b.KeySnapshot,
		BlockedAt:   b.BlockedAt,
	}
}

// --- Owner helpers ---

// EnsureOwnerBun returns the owner row for ownerID, inserting it first when
// absent. The display name is only written on first insert.
func EnsureOwnerBun(bdb *bun.DB, ownerID int64, displayName string) (*model.Owner, error) {
	ctx := context.Background()
	existing, err := GetOwnerBun(bdb, ownerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	om := &OwnerModel{
		ID:          ownerID,
		DisplayName: sql.NullString{String: displayName, Valid: displayName != ""},
		CreatedAt:   time.Now(),
	}
	if _, err := bdb.NewInsert().Model(om).Exec(ctx); err != nil {
		if mapped := MapDBError(err); mapped == ErrDuplicate {
			// Lost a race against a concurrent insert; re-read.
			return GetOwnerBun(bdb, ownerID)
		}
		return nil, MapDBError(err)
	}
	m := ownerModelToModel(*om)
	return &m, nil
}

// GetOwnerBun retrieves an owner by id, returning (nil, nil) when absent.
func GetOwnerBun(bdb *bun.DB, ownerID int64) (*model.Owner, error) {
	ctx := context.Background()
	var om OwnerModel
	err := bdb.NewSelect().Model(&om).Where("id = ?", ownerID).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m := ownerModelToModel(om)
	return &m, nil
}

// GetAllOwnersBun returns all owners ordered by id.
func GetAllOwnersBun(bdb *bun.DB) ([]model.Owner, error) {
	ctx := context.Background()
	var oms []OwnerModel
	if err := bdb.NewSelect().Model(&oms).OrderExpr("id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Owner, 0, len(oms))
	for _, o := range oms {
		out = append(out, ownerModelToModel(o))
	}
	return out, nil
}

// SetPromoGrantedBun latches the lifetime promo entitlement flag. It is never
// cleared, so the one-promo-per-owner check survives key deletion.
func SetPromoGrantedBun(bdb *bun.DB, ownerID int64) error {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb, "UPDATE owners SET promo_granted = ? WHERE id = ?", true, ownerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPreferredServerBun records the owner's last chosen region.
func SetPreferredServerBun(bdb *bun.DB, ownerID int64, serverID string) error {
	ctx := context.Background()
	_, err := ExecRaw(ctx, bdb, "UPDATE owners SET preferred_server = ? WHERE id = ?", serverID, ownerID)
	return err
}

// --- Access key helpers ---

// AddAccessKeyBun inserts a new access key row. The (server_id, remote_id)
// pair is unique; a collision maps to ErrDuplicate.
func AddAccessKeyBun(bdb *bun.DB, k model.AccessKey) error {
	ctx := context.Background()
	am := accessKeyModelFromModel(k)
	if am.Version == 0 {
		am.Version = 1
	}
	if am.CreatedAt.IsZero() {
		am.CreatedAt = time.Now()
	}
	_, err := bdb.NewInsert().Model(am).Exec(ctx)
	return MapDBError(err)
}

// GetAccessKeyBun retrieves a key by its local id, returning (nil, nil) when absent.
func GetAccessKeyBun(bdb *bun.DB, id string) (*model.AccessKey, error) {
	ctx := context.Background()
	var am AccessKeyModel
	err := bdb.NewSelect().Model(&am).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m := accessKeyModelToModel(am)
	return &m, nil
}

// ListKeysByOwnerBun returns all keys owned by ownerID, newest first.
func ListKeysByOwnerBun(bdb *bun.DB, ownerID int64) ([]model.AccessKey, error) {
	ctx := context.Background()
	var ams []AccessKeyModel
	err := bdb.NewSelect().Model(&ams).Where("owner_id = ?", ownerID).OrderExpr("created_at DESC, id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AccessKey, 0, len(ams))
	for _, a := range ams {
		out = append(out, accessKeyModelToModel(a))
	}
	return out, nil
}

// ListKeysByServerBun returns all keys bound to a server slug.
func ListKeysByServerBun(bdb *bun.DB, serverID string) ([]model.AccessKey, error) {
	ctx := context.Background()
	var ams []AccessKeyModel
	err := bdb.NewSelect().Model(&ams).Where("server_id = ?", serverID).OrderExpr("created_at, id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AccessKey, 0, len(ams))
	for _, a := range ams {
		out = append(out, accessKeyModelToModel(a))
	}
	return out, nil
}

// ListAllKeysBun returns every access key row. Used by reconciliation and
// stats, never on the issuance hot path.
func ListAllKeysBun(bdb *bun.DB) ([]model.AccessKey, error) {
	ctx := context.Background()
	var ams []AccessKeyModel
	if err := bdb.NewSelect().Model(&ams).OrderExpr("created_at, id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AccessKey, 0, len(ams))
	for _, a := range ams {
		out = append(out, accessKeyModelToModel(a))
	}
	return out, nil
}

// SetKeyEnabledBun flips is_enabled for a key, guarded by the version the
// caller read. A zero-row update means either the row vanished (ErrNotFound)
// or someone else mutated it first (ErrVersionConflict).
func SetKeyEnabledBun(bdb *bun.DB, id string, version int, enabled bool) error {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb,
		"UPDATE access_keys SET is_enabled = ?, version = version + 1 WHERE id = ? AND version = ?",
		enabled, id, version)
	if err != nil {
		return err
	}
	return checkVersionedWrite(bdb, res, id)
}

// DeleteAccessKeyBun removes a key row, guarded by version.
func DeleteAccessKeyBun(bdb *bun.DB, id string, version int) error {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb, "DELETE FROM access_keys WHERE id = ? AND version = ?", id, version)
	if err != nil {
		return err
	}
	return checkVersionedWrite(bdb, res, id)
}

// checkVersionedWrite distinguishes "row gone" from "row changed underneath"
// after a guarded UPDATE/DELETE affected zero rows.
func checkVersionedWrite(bdb *bun.DB, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	existing, err := GetAccessKeyBun(bdb, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// HasPromotionalKeyBun reports whether the owner ever held a promotional
// key. It checks the owners.promo_granted latch, then live rows, then the
// JSON snapshots preserved in block_history, so deleted promotional keys
// still count against the lifetime entitlement.
func HasPromotionalKeyBun(bdb *bun.DB, ownerID int64) (bool, error) {
	ctx := context.Background()
	var granted bool
	err := QueryRawInto(ctx, bdb, &granted, "SELECT promo_granted FROM owners WHERE id = ?", ownerID)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if granted {
		return true, nil
	}

	var liveCount int
	if err := QueryRawInto(ctx, bdb, &liveCount,
		"SELECT COUNT(id) FROM access_keys WHERE owner_id = ? AND is_promotional = ?", ownerID, true); err != nil {
		return false, err
	}
	if liveCount > 0 {
		return true, nil
	}

	var histCount int
	if err := QueryRawInto(ctx, bdb, &histCount,
		"SELECT COUNT(id) FROM block_history WHERE owner_id = ? AND key_snapshot LIKE ?",
		ownerID, `%"is_promotional":true%`); err != nil {
		return false, err
	}
	return histCount > 0, nil
}

// --- Block record helpers ---

// AddBlockRecordBun appends a block history row. Rows are never updated or
// deleted afterwards.
func AddBlockRecordBun(bdb *bun.DB, r model.BlockRecord) error {
	ctx := context.Background()
	bm := &BlockRecordModel{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		ActorID:     r.ActorID,
		Reason:      r.Reason,
		KeySnapshot: r.KeySnapshot,
		BlockedAt:   r.BlockedAt,
	}
	if bm.ID == "" {
		bm.ID = uuid.NewString()
	}
	if bm.BlockedAt.IsZero() {
		bm.BlockedAt = time.Now()
	}
	_, err := bdb.NewInsert().Model(bm).Exec(ctx)
	return MapDBError(err)
}

// ListBlockRecordsBun retrieves the full block history, newest first.
func ListBlockRecordsBun(bdb *bun.DB) ([]model.BlockRecord, error) {
	ctx := context.Background()
	var bms []BlockRecordModel
	if err := bdb.NewSelect().Model(&bms).OrderExpr("blocked_at DESC, id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.BlockRecord, 0, len(bms))
	for _, b := range bms {
		out = append(out, blockRecordModelToModel(b))
	}
	return out, nil
}

// ListBlockRecordsByOwnerBun retrieves block history for one owner.
func ListBlockRecordsByOwnerBun(bdb *bun.DB, ownerID int64) ([]model.BlockRecord, error) {
	ctx := context.Background()
	var bms []BlockRecordModel
	err := bdb.NewSelect().Model(&bms).Where("owner_id = ?", ownerID).OrderExpr("blocked_at DESC, id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.BlockRecord, 0, len(bms))
	for _, b := range bms {
		out = append(out, blockRecordModelToModel(b))
	}
	return out, nil
}

// --- Audit log helpers ---

// GetAllAuditLogEntriesBun retrieves audit log entries ordered by timestamp desc.
func GetAllAuditLogEntriesBun(bdb *bun.DB) ([]model.AuditLogEntry, error) {
	ctx := context.Background()
	var am []AuditLogModel
	if err := bdb.NewSelect().Model(&am).OrderExpr("timestamp DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, model.AuditLogEntry{ID: a.ID, Timestamp: a.Timestamp, Username: a.Username, Action: a.Action, Details: a.Details})
	}
	return out, nil
}

// LogActionBun inserts an audit log entry with the current OS user.
func LogActionBun(bdb *bun.DB, action string, details string) error {
	ctx := context.Background()
	curUser, err := user.Current()
	username := "unknown"
	if err == nil {
		if parts := strings.Split(curUser.Username, `\`); len(parts) > 1 {
			username = parts[1]
		} else {
			username = curUser.Username
		}
	}
	_, err = ExecRaw(ctx, bdb, "INSERT INTO audit_log (username, action, details) VALUES (?, ?, ?)", username, action, details)
	return MapDBError(err)
}
