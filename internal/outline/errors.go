// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

package outline

import (
	"errors"
	"fmt"
)

// ErrNotFound means the addressed credential does not exist on the server.
// Callers may safely treat this as "already deleted". It must never be
// conflated with RemoteError: an unreachable server says nothing about
// whether the credential exists.
var ErrNotFound = errors.New("credential not found")

// RemoteError wraps transport failures and unexpected server responses.
// Operations that returned a RemoteError may or may not have taken effect
// remotely; callers must not assume either way.
type RemoteError struct {
	Server string
	Op     string
	Status int // HTTP status, 0 for transport-level failures
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("key-server %s: %s: unexpected status %d", e.Server, e.Op, e.Status)
	}
	return fmt.Sprintf("key-server %s: %s: %v", e.Server, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRemoteError reports whether err is (or wraps) a RemoteError.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
