// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// AUDIT LOGGER
// =============================================================================

// Logger redacts and dispatches audit events. It is safe for concurrent use.
//
// Log never returns an error: the audit trail observes security operations
// and must not become a way to fail them. Sink failures are reported to
// stderr and the operational logger instead.
type Logger struct {
	mu            sync.Mutex
	sink          EventSink
	redactors     []Redactor
	sensitiveKeys []string
	enabled       bool
	zlog          *zap.Logger
}

// NewLogger creates an audit logger writing to sink. zlog receives sink
// failure diagnostics and may be nil.
func NewLogger(sink EventSink, zlog *zap.Logger) *Logger {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Logger{
		sink:          sink,
		redactors:     defaultRedactors(),
		sensitiveKeys: defaultSensitiveKeyMarkers,
		enabled:       true,
		zlog:          zlog,
	}
}

// SetEnabled enables or disables event dispatch.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// AddRedactor adds a custom redactor applied to string values.
func (l *Logger) AddRedactor(r Redactor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redactors = append(l.redactors, r)
}

// AddSensitiveKeys extends the built-in key markers: any metadata key
// whose lowercased form contains one of them has its value replaced
// wholesale. Matching is case-insensitive; empty entries are ignored.
func (l *Logger) AddSensitiveKeys(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Copy-on-write so an in-flight Log keeps a consistent snapshot.
	markers := make([]string, len(l.sensitiveKeys), len(l.sensitiveKeys)+len(keys))
	copy(markers, l.sensitiveKeys)
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			markers = append(markers, k)
		}
	}
	l.sensitiveKeys = markers
}

// Log redacts the event and writes it to the sink. Missing ID and timestamp
// fields are filled in.
func (l *Logger) Log(event Event) {
	l.mu.Lock()
	if !l.enabled || l.sink == nil {
		l.mu.Unlock()
		return
	}
	redactors := l.redactors
	markers := l.sensitiveKeys
	sink := l.sink
	l.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// SECURITY: Redact before the event crosses into any sink.
	event.Metadata, _ = redactValue(event.Metadata, redactors, markers).(map[string]any)
	event.Error = redactString(event.Error, redactors)
	event.Resource = redactString(event.Resource, redactors)

	if err := sink.Write(event); err != nil {
		// Fallback path: the event is still recorded somewhere a human can
		// find it, and the caller's operation proceeds.
		fmt.Fprintf(os.Stderr, "[AUDIT FAILURE] %v | %s\n", err, event.ToLogLine())
		l.zlog.Warn("audit sink write failed",
			zap.Error(err),
			zap.String("action", event.Action),
			zap.String("event_id", event.ID),
		)
	}
}

// Close closes the underlying sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink = nil
	return err
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Security records a general security event (lockouts, policy denials).
func (l *Logger) Security(action, resource string, success bool, metadata map[string]any) {
	l.logCategory(PrefixSecurity, action, resource, success, metadata)
}

// Access records a resource access decision.
func (l *Logger) Access(action, resource string, success bool, metadata map[string]any) {
	l.logCategory(PrefixAccess, action, resource, success, metadata)
}

// Authentication records a login, logout, or session lifecycle event.
func (l *Logger) Authentication(action, userID string, success bool, metadata map[string]any) {
	event := NewEvent(PrefixAuth+action, "", success)
	event.UserID = userID
	event.Metadata = metadata
	l.Log(event)
}

// KeyOperation records encryption key lifecycle activity.
func (l *Logger) KeyOperation(action string, success bool, metadata map[string]any) {
	l.logCategory(PrefixKey, action, "", success, metadata)
}

// VaultOperation records interaction with the external secrets backend.
func (l *Logger) VaultOperation(action, path string, success bool, metadata map[string]any) {
	l.logCategory(PrefixVault, action, path, success, metadata)
}

func (l *Logger) logCategory(prefix, action, resource string, success bool, metadata map[string]any) {
	event := NewEvent(prefix+action, resource, success)
	event.Metadata = metadata
	l.Log(event)
}
