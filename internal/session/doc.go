// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session manages authenticated session lifecycle: creation,
// rolling renewal, expiry, CSRF tokens, and signed session tokens.
//
// Sessions are owned exclusively by the store; the manager holds no
// long-lived references, so processes sharing a distributed store observe
// consistent state. A destroy that races a rolling renewal always wins:
// the renewal must not resurrect a record that was concurrently removed.
package session
