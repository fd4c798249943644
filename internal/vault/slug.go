// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package vault

import (
	"regexp"
	"strings"
)

var (
	// slugStripRE matches characters that should not appear in slugs
	slugStripRE = regexp.MustCompile(`[^a-z0-9\s-]`)
	// slugDashRE collapses runs of spaces and dashes
	slugDashRE = regexp.MustCompile(`[\s-]+`)
)

// slugMaxWords bounds how much of a title lands in the filename
const slugMaxWords = 8

// Slug creates a filesystem-safe slug from a note title or the leading
// words of its content
func Slug(text string) string {
	words := strings.Fields(text)
	if len(words) > slugMaxWords {
		words = words[:slugMaxWords]
	}

	slug := strings.ToLower(strings.Join(words, " "))
	slug = slugStripRE.ReplaceAllString(slug, "")
	slug = slugDashRE.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if slug == "" {
		slug = "note"
	}
	return slug
}
