// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package redact guards the write path against content that looks like a
// credential. Memories live in plain text on disk; a pasted secret would
// sit there indefinitely.
package redact

import (
	"regexp"

	"github.com/munin-sh/munin-mcp/internal/model"
)

// secretPattern pairs a label with the regexp that detects it
type secretPattern struct {
	label string
	re    *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"aws access key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private key block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"bearer token", regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9_\-.~+/]{20,}`)},
	{"github token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"slack token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"password assignment", regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key)\s*[:=]\s*\S{8,}`)},
}

// Scan returns the label of the first credential-shaped match in content,
// or "" when it looks clean
func Scan(content string) string {
	for _, p := range secretPatterns {
		if p.re.MatchString(content) {
			return p.label
		}
	}
	return ""
}

// Check rejects content containing a credential shape unless the caller
// explicitly allowed sensitive content
func Check(content string, allowSensitive bool) error {
	if allowSensitive {
		return nil
	}
	if label := Scan(content); label != "" {
		return model.NewError(model.KindInvalid, "content appears to contain a credential (%s); pass allow_sensitive to store it anyway", label)
	}
	return nil
}
