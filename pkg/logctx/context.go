/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logctx provides structured logging context management.
// It allows storing and extracting common logging fields from
// context.Context, enabling consistent log enrichment across the API and
// engine layers.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeyRequestID identifies the individual HTTP request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeySessionID identifies the workspace session being operated on.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyUserID identifies the owning user.
	ContextKeyUserID contextKey = "user_id"

	// ContextKeyWorkspaceID identifies the workspace.
	ContextKeyWorkspaceID contextKey = "workspace_id"

	// ContextKeyCheckpointID identifies a checkpoint.
	ContextKeyCheckpointID contextKey = "checkpoint_id"

	// ContextKeyKeyID identifies an encryption key.
	ContextKeyKeyID contextKey = "key_id"

	// ContextKeyOperation identifies the high-level operation, e.g.
	// "session.create" or "checkpoint.restore".
	ContextKeyOperation contextKey = "operation"
)

// allContextKeys lists all context keys that should be extracted for logging.
var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeySessionID,
	ContextKeyUserID,
	ContextKeyWorkspaceID,
	ContextKeyCheckpointID,
	ContextKeyKeyID,
	ContextKeyOperation,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithUserID returns a new context with the user ID set.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithWorkspaceID returns a new context with the workspace ID set.
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, ContextKeyWorkspaceID, workspaceID)
}

// WithCheckpointID returns a new context with the checkpoint ID set.
func WithCheckpointID(ctx context.Context, checkpointID string) context.Context {
	return context.WithValue(ctx, ContextKeyCheckpointID, checkpointID)
}

// WithKeyID returns a new context with the encryption key ID set.
func WithKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, ContextKeyKeyID, keyID)
}

// WithOperation returns a new context with the operation name set.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, operation)
}

// LoggingFields holds all standard logging context fields.
// This struct is used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	RequestID    string
	SessionID    string
	UserID       string
	WorkspaceID  string
	CheckpointID string
	KeyID        string
	Operation    string
}

// WithLoggingContext returns a new context with multiple logging fields set
// at once. Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.SessionID != "" {
		ctx = WithSessionID(ctx, fields.SessionID)
	}
	if fields.UserID != "" {
		ctx = WithUserID(ctx, fields.UserID)
	}
	if fields.WorkspaceID != "" {
		ctx = WithWorkspaceID(ctx, fields.WorkspaceID)
	}
	if fields.CheckpointID != "" {
		ctx = WithCheckpointID(ctx, fields.CheckpointID)
	}
	if fields.KeyID != "" {
		ctx = WithKeyID(ctx, fields.KeyID)
	}
	if fields.Operation != "" {
		ctx = WithOperation(ctx, fields.Operation)
	}
	return ctx
}

// ExtractLoggingFields extracts all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields.RequestID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		fields.SessionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyUserID); v != nil {
		fields.UserID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyWorkspaceID); v != nil {
		fields.WorkspaceID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyCheckpointID); v != nil {
		fields.CheckpointID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyKeyID); v != nil {
		fields.KeyID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyOperation); v != nil {
		fields.Operation, _ = v.(string)
	}
	return fields
}

// LogrValues extracts context values and returns them as key-value pairs
// suitable for use with logr.Logger.WithValues().
// Only non-empty values are included.
func LogrValues(ctx context.Context) []interface{} {
	var values []interface{}
	for _, key := range allContextKeys {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				values = append(values, string(key), s)
			}
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
// This is a convenience function for logr.Logger.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SessionID extracts the session ID from the context.
func SessionID(ctx context.Context) string {
	if v := ctx.Value(ContextKeySessionID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// UserID extracts the user ID from the context.
func UserID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyUserID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WorkspaceID extracts the workspace ID from the context.
func WorkspaceID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyWorkspaceID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
