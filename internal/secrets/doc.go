// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secrets stores and retrieves sensitive credentials behind a
// pluggable backend interface (Vault, process environment, in-memory with
// optional Redis mirror).
//
// Values are sealed with AES-256-GCM before they cross any backend's
// persistence boundary when an encryption key is configured. Every access
// is audited without the secret value itself. The manager degrades rather
// than crashes: backend failures surface as sentinel errors the caller can
// treat as "secret unavailable".
package secrets
