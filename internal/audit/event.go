// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT CATEGORIES
// =============================================================================

// Category prefixes applied to the action field by the typed helpers.
const (
	PrefixSecurity = "SECURITY:"
	PrefixAccess   = "ACCESS:"
	PrefixAuth     = "AUTH:"
	PrefixKey      = "KEY:"
	PrefixVault    = "VAULT:"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

// Event is a single audit log entry. Metadata may nest arbitrarily; it is
// redacted recursively before any sink sees it.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh ID and the current timestamp.
func NewEvent(action, resource string, success bool) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		Success:   success,
	}
}

// ToJSON serializes the event as a single JSON line.
func (e *Event) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return string(data), nil
}

// ToLogLine formats the event for the human-readable file sink.
func (e *Event) ToLogLine() string {
	status := "SUCCESS"
	if !e.Success {
		if e.Error != "" {
			status = "ERROR: " + e.Error
		} else {
			status = "FAILURE"
		}
	}

	meta := ""
	if len(e.Metadata) > 0 {
		if data, err := json.Marshal(e.Metadata); err == nil {
			meta = string(data)
		}
	}

	return fmt.Sprintf("%s | %s | %s | %s | %s | %s | %s",
		e.Timestamp.Format("2006-01-02 15:04:05"),
		e.Action,
		e.Resource,
		e.UserID,
		e.IP,
		status,
		meta,
	)
}
