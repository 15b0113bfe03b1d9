// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-dps.
//
// go-dps is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package types holds the error taxonomy shared by the provisioning transport,
// the TPM security client and the authentication provider.
//
// Errors are composed with fmt.Errorf and %w, so callers classify them with
// errors.Is against the sentinels below:
//
//	if errors.Is(err, types.ErrSecurityDevice) {
//		// the TPM rejected a command
//	}
package types

import (
	"errors"
)

var (
	// ErrConnection is returned for transport level connect, attach and send
	// failures that do not map to a more specific service error.
	ErrConnection = errors.New("connection error")

	// ErrInternalServer is a retryable service error.
	ErrInternalServer = errors.New("internal server error")

	// ErrThrottling is a retryable service error.
	ErrThrottling = errors.New("throttling error")

	// ErrOperationCancelled is delivered to every pending operation when the
	// transport is cancelled, disconnected or loses its connection.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrSecurityDevice wraps every TPM command failure.
	ErrSecurityDevice = errors.New("security device error")

	// ErrInvalidOperation signals a programming contract violation, such as
	// signing before the identity key was activated.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidArgument is returned when an argument fails validation before
	// any I/O is attempted.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrQuotaExceeded      = errors.New("quota exceeded")

	// ErrTransportClosed is returned by calls made after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// IsRetryable reports whether err is a service error the provisioning
// transport absorbs into an in-progress result.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInternalServer) || errors.Is(err, ErrThrottling)
}
