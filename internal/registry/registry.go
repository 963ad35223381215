// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package registry maintains the catalog of regional key-servers. The
// catalog is a yaml file keyed by server slug, re-read from disk on every
// call so administrative edits take effect without a restart. Entries are
// validated on load; a malformed file fails the whole call rather than
// surfacing as a nil-field panic deep in a request path.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
	"github.com/outline-solutions/keyfleet/internal/model"
)

// DefaultCapacity is used when a server entry omits max capacity.
const DefaultCapacity = 100

// ErrNotFound is returned when no server with the given slug exists.
var ErrNotFound = errors.New("server not found")

// ErrConflict is returned when creating a server whose slug already exists.
var ErrConflict = errors.New("server already exists")

// Registry reads and writes the server catalog file.
type Registry struct {
	path string
}

// New returns a Registry backed by the yaml file at path. The file does not
// have to exist yet; an absent file reads as an empty catalog.
func New(path string) *Registry {
	return &Registry{path: path}
}

// serverEntry is the on-disk shape of one catalog record.
type serverEntry struct {
	DisplayName      string `yaml:"display_name"`
	APIEndpoint      string `yaml:"api_endpoint"`
	TrustFingerprint string `yaml:"trust_fingerprint"`
	Capacity         int    `yaml:"capacity"`
	Active           bool   `yaml:"active"`
}

func (e serverEntry) toDescriptor(slug string) model.ServerDescriptor {
	return model.ServerDescriptor{
		ID:               slug,
		DisplayName:      e.DisplayName,
		APIEndpoint:      e.APIEndpoint,
		TrustFingerprint: e.TrustFingerprint,
		Capacity:         e.Capacity,
		Active:           e.Active,
	}
}

func entryFromDescriptor(d model.ServerDescriptor) serverEntry {
	return serverEntry{
		DisplayName:      d.DisplayName,
		APIEndpoint:      d.APIEndpoint,
		TrustFingerprint: d.TrustFingerprint,
		Capacity:         d.Capacity,
		Active:           d.Active,
	}
}

// load re-reads the catalog file and validates every entry.
func (r *Registry) load() (map[string]serverEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]serverEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read server registry %s: %w", r.path, err)
	}
	entries := map[string]serverEntry{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse server registry %s: %w", r.path, err)
	}
	for slug := range entries {
		e := entries[slug]
		if e.Capacity == 0 {
			e.Capacity = DefaultCapacity
			entries[slug] = e
		}
		if err := validate(e.toDescriptor(slug)); err != nil {
			return nil, fmt.Errorf("invalid server registry entry %q: %w", slug, err)
		}
	}
	return entries, nil
}

// save atomically rewrites the catalog file.
func (r *Registry) save(entries map[string]serverEntry) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode server registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".servers-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

// validate enforces the fail-fast contract for one descriptor.
func validate(d model.ServerDescriptor) error {
	if d.ID == "" {
		return errors.New("empty server slug")
	}
	if d.APIEndpoint == "" {
		return errors.New("missing api_endpoint")
	}
	u, err := url.Parse(d.APIEndpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("api_endpoint must be an https URL, got %q", d.APIEndpoint)
	}
	if len(d.TrustFingerprint) != 64 || !isHex(d.TrustFingerprint) {
		return errors.New("trust_fingerprint must be 64 hex characters (SHA256)")
	}
	if d.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", d.Capacity)
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ListActive returns all active servers, sorted by slug.
func (r *Registry) ListActive() ([]model.ServerDescriptor, error) {
	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []model.ServerDescriptor
	for slug, e := range entries {
		if e.Active {
			out = append(out, e.toDescriptor(slug))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAll returns every server in the catalog, active or not, sorted by slug.
func (r *Registry) ListAll() ([]model.ServerDescriptor, error) {
	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.ServerDescriptor, 0, len(entries))
	for slug, e := range entries {
		out = append(out, e.toDescriptor(slug))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get looks up one server by slug. Inactive servers are still returned so
// credentials on drained servers stay manageable.
func (r *Registry) Get(id string) (model.ServerDescriptor, error) {
	entries, err := r.load()
	if err != nil {
		return model.ServerDescriptor{}, err
	}
	e, ok := entries[id]
	if !ok {
		return model.ServerDescriptor{}, fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	return e.toDescriptor(id), nil
}

// Create adds a new server; a duplicate slug fails with ErrConflict.
// Reachability of the endpoint is not checked here; the key-server client
// discovers it lazily.
func (r *Registry) Create(d model.ServerDescriptor) error {
	if d.Capacity == 0 {
		d.Capacity = DefaultCapacity
	}
	if err := validate(d); err != nil {
		return err
	}
	entries, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := entries[d.ID]; ok {
		return fmt.Errorf("server %q: %w", d.ID, ErrConflict)
	}
	entries[d.ID] = entryFromDescriptor(d)
	return r.save(entries)
}

// Update replaces an existing server entry; a missing slug fails with ErrNotFound.
func (r *Registry) Update(d model.ServerDescriptor) error {
	if d.Capacity == 0 {
		d.Capacity = DefaultCapacity
	}
	if err := validate(d); err != nil {
		return err
	}
	entries, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := entries[d.ID]; !ok {
		return fmt.Errorf("server %q: %w", d.ID, ErrNotFound)
	}
	entries[d.ID] = entryFromDescriptor(d)
	return r.save(entries)
}

// SetActive flips a server's allocation eligibility without touching the
// rest of its descriptor.
func (r *Registry) SetActive(id string, active bool) error {
	entries, err := r.load()
	if err != nil {
		return err
	}
	e, ok := entries[id]
	if !ok {
		return fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	e.Active = active
	entries[id] = e
	return r.save(entries)
}

// Remove deletes a server from the catalog. Removing an absent slug is a
// no-op.
func (r *Registry) Remove(id string) error {
	entries, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := entries[id]; !ok {
		return nil
	}
	delete(entries, id)
	return r.save(entries)
}
