// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package vault indexes the long-term markdown vault: front-matter
// metadata, body snippets, and incremental refresh keyed on file stat.
package vault

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FrontMatter is the parsed YAML header of a vault note
type FrontMatter struct {
	Title   string
	Tags    []string
	Aliases []string
	Created string
	Keys    []string // every key present, sorted
}

// snippetLen bounds the indexed body preview
const snippetLen = 200

var snippetSpaceRE = regexp.MustCompile(`\s+`)

// SplitFrontMatter splits markdown content into its YAML front-matter and
// body. Content without a leading fence has empty front-matter.
func SplitFrontMatter(content string) (string, string, error) {
	if !strings.HasPrefix(content, "---") {
		return "", content, nil
	}

	lines := strings.Split(content, "\n")
	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closing = i
			break
		}
	}
	if closing == -1 {
		return "", content, fmt.Errorf("front-matter not properly closed")
	}

	fm := strings.Join(lines[1:closing], "\n")
	body := ""
	if closing+1 < len(lines) {
		body = strings.Join(lines[closing+1:], "\n")
	}
	return fm, body, nil
}

// ParseFrontMatter extracts the indexed metadata from raw YAML. Scalar
// and list forms of tags/aliases are both accepted; vault notes are
// written by hand and by other tools.
func ParseFrontMatter(raw string) (*FrontMatter, error) {
	fm := &FrontMatter{}
	if strings.TrimSpace(raw) == "" {
		return fm, nil
	}

	var fields map[string]interface{}
	if err := yaml.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse front-matter: %w", err)
	}

	for key := range fields {
		fm.Keys = append(fm.Keys, key)
	}
	sort.Strings(fm.Keys)

	if v, ok := fields["title"]; ok {
		fm.Title = asString(v)
	}
	if v, ok := fields["tags"]; ok {
		fm.Tags = asStringList(v)
	}
	if v, ok := fields["aliases"]; ok {
		fm.Aliases = asStringList(v)
	}
	if v, ok := fields["created"]; ok {
		fm.Created = asString(v)
	}
	return fm, nil
}

// Snippet returns the first ~200 characters of the body with whitespace
// collapsed
func Snippet(body string) string {
	s := snippetSpaceRE.ReplaceAllString(strings.TrimSpace(body), " ")
	if len(s) > snippetLen {
		s = s[:snippetLen]
	}
	return s
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asStringList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		// Comma-separated scalar form: "tags: a, b"
		var out []string
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
