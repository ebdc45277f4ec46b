// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides tamper-evident security event logging with
// recursive secret redaction.
//
// Events are redacted before they reach any sink, so a sink never sees a
// password, token, or API key even when one is buried three levels deep in
// event metadata. Sink failures fall back to stderr and are never surfaced
// to the calling operation: a broken audit pipe must not take down the
// secrets or session path it is observing.
package audit
