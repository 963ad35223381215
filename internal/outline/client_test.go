// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

package outline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/outline-solutions/keyfleet/internal/model"
)

// fakeServer emulates the slice of the management API the client touches.
type fakeServer struct {
	keys   map[string]model.RemoteCredential
	nextID int
	usage  map[string]int64

	// ignoreCreateName mimics older servers that drop the name from the
	// create request.
	ignoreCreateName bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		keys:   map[string]model.RemoteCredential{},
		nextID: 1,
		usage:  map[string]int64{},
	}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/access-keys", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Name string `json:"name"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if f.ignoreCreateName {
				body.Name = ""
			}
			id := fmt.Sprintf("%d", f.nextID)
			f.nextID++
			cred := model.RemoteCredential{ID: id, Name: body.Name, AccessURL: "ss://fake/" + id}
			f.keys[id] = cred
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"id": cred.ID, "name": cred.Name, "accessUrl": cred.AccessURL,
			})
		case http.MethodGet:
			var list []map[string]string
			for _, c := range f.keys {
				list = append(list, map[string]string{"id": c.ID, "name": c.Name, "accessUrl": c.AccessURL})
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"accessKeys": list})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/access-keys/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/access-keys/")
		if strings.HasSuffix(id, "/name") {
			id = strings.TrimSuffix(id, "/name")
			if _, ok := f.keys[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			var body struct {
				Name string `json:"name"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			c := f.keys[id]
			c.Name = body.Name
			f.keys[id] = c
			w.WriteHeader(http.StatusNoContent)
			return
		}
		c, ok := f.keys[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]string{"id": c.ID, "name": c.Name, "accessUrl": c.AccessURL})
		case http.MethodDelete:
			delete(f.keys, id)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/metrics/transfer", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"bytesTransferredByUserId": f.usage})
	})
	return mux
}

// startServer runs the fake behind TLS and returns a client pinned to its
// certificate.
func startServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	fake := newFakeServer()
	ts := httptest.NewTLSServer(fake.handler())
	t.Cleanup(ts.Close)

	sum := sha256.Sum256(ts.Certificate().Raw)
	c, err := NewClient(model.ServerDescriptor{
		ID:               "test",
		APIEndpoint:      ts.URL,
		TrustFingerprint: hex.EncodeToString(sum[:]),
		Capacity:         100,
		Active:           true,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return fake, c
}

func TestClient_CredentialLifecycle(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	cred, err := c.CreateCredential(ctx, "100-abcd1234")
	if err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if cred.ID == "" || cred.Name != "100-abcd1234" || cred.AccessURL == "" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	got, err := c.GetCredential(ctx, cred.ID)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if got.ID != cred.ID {
		t.Fatalf("expected %s, got %s", cred.ID, got.ID)
	}

	if err := c.RenameCredential(ctx, cred.ID, "100-migrated-beef0000"); err != nil {
		t.Fatalf("RenameCredential failed: %v", err)
	}
	got, _ = c.GetCredential(ctx, cred.ID)
	if got.Name != "100-migrated-beef0000" {
		t.Fatalf("rename not applied: %+v", got)
	}

	list, err := c.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(list))
	}

	if err := c.DeleteCredential(ctx, cred.ID); err != nil {
		t.Fatalf("DeleteCredential failed: %v", err)
	}
	if _, err := c.GetCredential(ctx, cred.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := c.DeleteCredential(ctx, cred.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestClient_CreateRenamesWhenServerIgnoresName(t *testing.T) {
	fake, c := startServer(t)
	fake.ignoreCreateName = true

	cred, err := c.CreateCredential(context.Background(), "100-abcd1234")
	if err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if cred.Name != "100-abcd1234" {
		t.Fatalf("expected label applied via rename, got %q", cred.Name)
	}
	if fake.keys[cred.ID].Name != "100-abcd1234" {
		t.Fatalf("server-side name not updated: %+v", fake.keys[cred.ID])
	}
}

func TestClient_Usage(t *testing.T) {
	fake, c := startServer(t)
	fake.usage["7"] = 123456

	n, err := c.GetUsage(context.Background(), "7")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if n != 123456 {
		t.Fatalf("expected 123456 bytes, got %d", n)
	}

	// Ids with no recorded traffic read as zero.
	n, err = c.GetUsage(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("GetUsage for unknown id failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes for unknown id, got %d", n)
	}
}

func TestClient_FingerprintMismatchRefusesConnection(t *testing.T) {
	fake := newFakeServer()
	ts := httptest.NewTLSServer(fake.handler())
	defer ts.Close()

	wrong := strings.Repeat("ab", sha256.Size)
	c, err := NewClient(model.ServerDescriptor{
		ID:               "test",
		APIEndpoint:      ts.URL,
		TrustFingerprint: wrong,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.ListCredentials(context.Background())
	if err == nil {
		t.Fatalf("expected the pinned handshake to fail")
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "fingerprint mismatch") {
		t.Fatalf("expected fingerprint mismatch in error, got %v", err)
	}
}

func TestClient_MalformedFingerprintRejected(t *testing.T) {
	_, err := NewClient(model.ServerDescriptor{
		ID:               "test",
		APIEndpoint:      "https://example.com",
		TrustFingerprint: "zz",
	})
	if err == nil {
		t.Fatalf("expected malformed fingerprint to be rejected at construction")
	}
}

func TestClient_ServerErrorMapsToRemoteError(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sum := sha256.Sum256(ts.Certificate().Raw)
	c, err := NewClient(model.ServerDescriptor{
		ID:               "test",
		APIEndpoint:      ts.URL,
		TrustFingerprint: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.GetCredential(context.Background(), "1")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Status != http.StatusInternalServerError || re.Op != "get" {
		t.Fatalf("unexpected RemoteError fields: %+v", re)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("a 500 must not read as absence")
	}
}
