// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package backup reads and writes the portable database snapshot as
// zstd-compressed JSON. The on-disk format is versioned through
// BackupData.SchemaVersion.
package backup

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/outline-solutions/keyfleet/internal/db"
	"github.com/outline-solutions/keyfleet/internal/model"
)

// Export snapshots the whole store.
func Export(st db.Store) (*model.BackupData, error) {
	return st.ExportDataForBackup()
}

// Write writes a snapshot as compressed JSON.
func Write(data *model.BackupData, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer func() { _ = zw.Close() }()
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return nil
}

// Read decodes a compressed snapshot without applying it.
func Read(r io.Reader) (*model.BackupData, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data model.BackupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	if data.SchemaVersion != 1 {
		return nil, fmt.Errorf("unsupported backup schema version %d", data.SchemaVersion)
	}
	return &data, nil
}

// Restore decodes a compressed snapshot and replaces the store's contents
// with it.
func Restore(r io.Reader, st db.Store) error {
	data, err := Read(r)
	if err != nil {
		return err
	}
	return st.ImportDataFromBackup(data)
}
