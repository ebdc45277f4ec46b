// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small filesystem helpers shared across the core.
//
// The atomic write helpers exist because several components (lockout state,
// rotated audit segments) persist security-relevant state that must never be
// observable half-written.
package util
