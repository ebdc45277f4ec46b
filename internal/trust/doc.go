// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trust makes per-request authorization decisions.
//
// Evaluate is a pure function from request signals to a trust level; no
// request is assumed legitimate because it arrived from inside the
// perimeter. The Gate composes that scoring with session validation,
// CSRF checks, rate limiting, and failed-attempt lockout, and audits
// every denial with enough context to investigate.
package trust
