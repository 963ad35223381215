// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

package lifecycle

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when the addressed access key has no local row.
var ErrKeyNotFound = errors.New("access key not found")

// ErrAlreadyGranted rejects a promotional issuance for an owner who already
// received their lifetime promotional key, however long ago.
var ErrAlreadyGranted = errors.New("promotional key already granted")

// ErrServerInactive rejects allocation against a server that is registered
// but flagged inactive. Existing keys on such servers stay manageable.
var ErrServerInactive = errors.New("server is not active")

// ErrSameServer rejects a migration whose target equals the source.
var ErrSameServer = errors.New("source and target server are the same")

// ErrUnrecoverable means every recovery strategy was exhausted; the record
// needs manual operator intervention.
var ErrUnrecoverable = errors.New("credential unrecoverable")

// CapacityExceededError rejects an issuance against a full server. It is a
// business-rule rejection, not a fault.
type CapacityExceededError struct {
	ServerID string
	Current  int
	Max      int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("server %s at capacity (%d/%d)", e.ServerID, e.Current, e.Max)
}

// IsCapacityExceeded reports whether err is a capacity rejection.
func IsCapacityExceeded(err error) bool {
	var ce *CapacityExceededError
	return errors.As(err, &ce)
}
