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

// Package correlation generates the ids that pair provisioning requests with
// their responses and carries them through a context for logging.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// CorrelationIDKey is the context key for storing correlation IDs
	CorrelationIDKey contextKey = "correlation-id"

	// LogKey is the structured logging attribute name for correlation IDs
	LogKey = "correlation_id"
)

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// GetCorrelationID retrieves the correlation ID from context.
// Returns an empty string if no correlation ID is found.
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// NewID generates a new UUID v4 correlation ID.
func NewID() string {
	return uuid.New().String()
}

// GetOrGenerate retrieves an existing correlation ID from context
// or generates a new one if none exists.
func GetOrGenerate(ctx context.Context) string {
	if id := GetCorrelationID(ctx); id != "" {
		return id
	}
	return NewID()
}

// Normalize converts a correlation id received on the wire into the
// canonical lower case string form produced by NewID. Services echo the id
// either as a string or as a 16 byte UUID.
func Normalize(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", false
		}
		if parsed, err := uuid.Parse(id); err == nil {
			return parsed.String(), true
		}
		return strings.ToLower(id), true
	case uuid.UUID:
		return id.String(), true
	case [16]byte:
		return uuid.UUID(id).String(), true
	case []byte:
		if parsed, err := uuid.FromBytes(id); err == nil {
			return parsed.String(), true
		}
		if len(id) == 0 {
			return "", false
		}
		return Normalize(string(id))
	default:
		return "", false
	}
}
