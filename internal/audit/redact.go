// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"regexp"
	"strings"
)

// =============================================================================
// REDACTOR INTERFACE
// =============================================================================

// Redactor defines the interface for secret redaction over string values.
type Redactor interface {
	// Redact replaces sensitive data in the input string.
	Redact(input string) string
	// Name returns the name of this redactor.
	Name() string
}

// =============================================================================
// PATTERN REDACTOR
// =============================================================================

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a new pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces matches with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

// =============================================================================
// BUILT-IN SECRET PATTERNS
// =============================================================================

// secretPatterns match secret material that shows up inside free-form string
// values, where key-based redaction cannot help.
var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"OpenAI", regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "[OPENAI_KEY_REDACTED]"},
	{"GitHub", regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,}`), "[GITHUB_TOKEN_REDACTED]"},
	{"AWS", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[AWS_KEY_REDACTED]"},
	{"Bearer", regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
	{"Password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`), "[PASSWORD_REDACTED]"},
	{"JWT", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
	{"Vault", regexp.MustCompile(`hvs\.[a-zA-Z0-9_-]{20,}`), "[VAULT_TOKEN_REDACTED]"},
}

func defaultRedactors() []Redactor {
	redactors := make([]Redactor, 0, len(secretPatterns))
	for _, sp := range secretPatterns {
		redactors = append(redactors, NewPatternRedactor(sp.name, sp.pattern, sp.replace))
	}
	return redactors
}

// =============================================================================
// KEY-BASED RECURSIVE REDACTION
// =============================================================================

// RedactedPlaceholder replaces any value whose key looks sensitive.
const RedactedPlaceholder = "[REDACTED]"

// defaultSensitiveKeyMarkers flag a metadata key as secret-bearing when the
// lowercased key contains any of them. "key" alone would over-match, so the
// marker list names the concrete forms. Deployments extend the list via
// Logger.AddSensitiveKeys (config [audit] sensitive_keys).
var defaultSensitiveKeyMarkers = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"private_key",
	"credential",
	"authorization",
	"cookie",
	"csrf",
}

func isSensitiveKey(key string, markers []string) bool {
	lower := strings.ToLower(key)
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// redactValue walks a metadata value depth-first. Maps get key-based
// redaction against markers, slices are walked element-wise, and string
// leaves additionally pass through the pattern redactors. The input is
// never mutated.
func redactValue(value any, redactors []Redactor, markers []string) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			if isSensitiveKey(k, markers) {
				out[k] = RedactedPlaceholder
				continue
			}
			out[k] = redactValue(inner, redactors, markers)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			if isSensitiveKey(k, markers) {
				out[k] = RedactedPlaceholder
				continue
			}
			out[k] = redactString(inner, redactors)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = redactValue(inner, redactors, markers)
		}
		return out
	case string:
		return redactString(v, redactors)
	default:
		return v
	}
}

func redactString(input string, redactors []Redactor) string {
	result := input
	for _, r := range redactors {
		result = r.Redact(result)
	}
	return result
}

// RedactMetadata returns a deep copy of metadata with sensitive keys masked
// and secret-looking string values scrubbed.
func RedactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out, _ := redactValue(metadata, defaultRedactors(), defaultSensitiveKeyMarkers).(map[string]any)
	return out
}

// RedactSecrets applies the default pattern redactors to a plain string.
func RedactSecrets(input string) string {
	return redactString(input, defaultRedactors())
}
