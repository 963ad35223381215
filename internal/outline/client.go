// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package outline implements the client for a key-server's management API.
// One Client is bound to exactly one server descriptor at construction time.
// The servers run with self-signed certificates, so trust is established by
// pinning the SHA256 fingerprint of the presented leaf certificate against
// the registry's trust_fingerprint instead of the system CA pool.
//
// No operation retries; partial-failure bookkeeping belongs to the
// lifecycle coordinator, which is the only caller that can decide whether a
// failed remote call is fatal or a tolerable leak.
package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/outline-solutions/keyfleet/internal/model"
)

// DefaultTimeout bounds every management API round-trip.
const DefaultTimeout = 15 * time.Second

// Client talks to one key-server's management API.
type Client struct {
	server  string // slug, for error context
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for the given descriptor. The descriptor's
// endpoint embeds the API token as its path prefix; trustFingerprint is the
// hex SHA256 of the server's TLS certificate.
func NewClient(d model.ServerDescriptor) (*Client, error) {
	fp, err := hex.DecodeString(d.TrustFingerprint)
	if err != nil || len(fp) != sha256.Size {
		return nil, fmt.Errorf("server %s: malformed trust fingerprint", d.ID)
	}

	// Self-signed server certs: skip chain verification and pin the leaf
	// fingerprint instead. VerifyPeerCertificate still runs with
	// InsecureSkipVerify set, which is the supported way to do manual
	// verification.
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server %s presented no certificate", d.ID)
			}
			sum := sha256.Sum256(rawCerts[0])
			if subtle.ConstantTimeCompare(sum[:], fp) != 1 {
				return fmt.Errorf("server %s certificate fingerprint mismatch: got %s",
					d.ID, hex.EncodeToString(sum[:]))
			}
			return nil
		},
	}

	return &Client{
		server:  d.ID,
		baseURL: strings.TrimRight(d.APIEndpoint, "/"),
		http: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsCfg,
			},
		},
	}, nil
}

// Server returns the slug of the server this client is bound to.
func (c *Client) Server() string { return c.server }

// accessKeyPayload is the wire shape of a credential object.
type accessKeyPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccessURL string `json:"accessUrl"`
}

func (p accessKeyPayload) toModel() model.RemoteCredential {
	return model.RemoteCredential{ID: p.ID, Name: p.Name, AccessURL: p.AccessURL}
}

// CreateCredential creates a new credential named label. The credential id is
// always generated by the server; caller-chosen ids are deliberately not
// supported so concurrent admission checks can never collide on identifiers.
func (c *Client) CreateCredential(ctx context.Context, label string) (model.RemoteCredential, error) {
	body, _ := json.Marshal(map[string]string{"name": label})
	resp, err := c.do(ctx, http.MethodPost, "/access-keys", body)
	if err != nil {
		return model.RemoteCredential{}, &RemoteError{Server: c.server, Op: "create", Err: err}
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return model.RemoteCredential{}, &RemoteError{Server: c.server, Op: "create", Status: resp.StatusCode}
	}
	var p accessKeyPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return model.RemoteCredential{}, &RemoteError{Server: c.server, Op: "create", Err: fmt.Errorf("decode response: %w", err)}
	}
	cred := p.toModel()
	// Older servers ignore the name in the create request.
	if cred.Name != label {
		if err := c.RenameCredential(ctx, cred.ID, label); err != nil {
			return model.RemoteCredential{}, err
		}
		cred.Name = label
	}
	return cred, nil
}

// GetCredential fetches one credential by its remote id.
func (c *Client) GetCredential(ctx context.Context, remoteID string) (model.RemoteCredential, error) {
	resp, err := c.do(ctx, http.MethodGet, "/access-keys/"+remoteID, nil)
	if err != nil {
		return model.RemoteCredential{}, &RemoteError{Server: c.server, Op: "get", Err: err}
	}
	defer drainAndClose(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return model.RemoteCredential{}, ErrNotFound
	default:
		return model.RemoteCredential{}, &RemoteError{Server: c.server, Op: "get", Status: resp.StatusCode}
	}
	var p accessKeyPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return model.RemoteCredential{}, &RemoteError{Server: c.server, Op: "get", Err: fmt.Errorf("decode response: %w", err)}
	}
	return p.toModel(), nil
}

// DeleteCredential removes a credential by remote id. A 404 maps to
// ErrNotFound; most callers treat that as success.
func (c *Client) DeleteCredential(ctx context.Context, remoteID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/access-keys/"+remoteID, nil)
	if err != nil {
		return &RemoteError{Server: c.server, Op: "delete", Err: err}
	}
	defer drainAndClose(resp)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &RemoteError{Server: c.server, Op: "delete", Status: resp.StatusCode}
	}
}

// RenameCredential sets the display name of an existing credential.
func (c *Client) RenameCredential(ctx context.Context, remoteID, name string) error {
	body, _ := json.Marshal(map[string]string{"name": name})
	resp, err := c.do(ctx, http.MethodPut, "/access-keys/"+remoteID+"/name", body)
	if err != nil {
		return &RemoteError{Server: c.server, Op: "rename", Err: err}
	}
	defer drainAndClose(resp)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &RemoteError{Server: c.server, Op: "rename", Status: resp.StatusCode}
	}
}

// ListCredentials returns every credential on the server. The response
// grows with the user count, so per-key lookups go through GetCredential
// instead.
func (c *Client) ListCredentials(ctx context.Context) ([]model.RemoteCredential, error) {
	resp, err := c.do(ctx, http.MethodGet, "/access-keys", nil)
	if err != nil {
		return nil, &RemoteError{Server: c.server, Op: "list", Err: err}
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteError{Server: c.server, Op: "list", Status: resp.StatusCode}
	}
	var wrapper struct {
		AccessKeys []accessKeyPayload `json:"accessKeys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, &RemoteError{Server: c.server, Op: "list", Err: fmt.Errorf("decode response: %w", err)}
	}
	out := make([]model.RemoteCredential, 0, len(wrapper.AccessKeys))
	for _, p := range wrapper.AccessKeys {
		out = append(out, p.toModel())
	}
	return out, nil
}

// GetUsage returns the bytes transferred by the given credential. Servers
// omit ids with no recorded traffic; those read as zero.
func (c *Client) GetUsage(ctx context.Context, remoteID string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/metrics/transfer", nil)
	if err != nil {
		return 0, &RemoteError{Server: c.server, Op: "usage", Err: err}
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return 0, &RemoteError{Server: c.server, Op: "usage", Status: resp.StatusCode}
	}
	var wrapper struct {
		BytesTransferredByUserID map[string]int64 `json:"bytesTransferredByUserId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return 0, &RemoteError{Server: c.server, Op: "usage", Err: fmt.Errorf("decode response: %w", err)}
	}
	return wrapper.BytesTransferredByUserID[remoteID], nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
