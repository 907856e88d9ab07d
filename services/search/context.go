// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"fmt"
	"strings"
)

const (
	// MaxSnippetChars is the snippet length kept before truncation.
	MaxSnippetChars = 400

	// TruncationMarker is appended to truncated snippets.
	TruncationMarker = "..."

	// unknownDate replaces a missing publish date.
	unknownDate = "Unknown Date"

	// blockSeparator joins result blocks.
	blockSeparator = "\n\n"
)

// Context is the outcome of a context fetch.
//
// Found is false for every failure and for an empty result set; callers must
// treat that as "no context", which is different from a found-but-short
// block. Err carries the recovered cause for logging only.
type Context struct {
	Text    string
	Found   bool
	Results int
	Err     error
}

// NoContext builds the "no context" outcome for a recovered error.
func NoContext(err error) Context {
	return Context{Err: err}
}

// FormatContext renders results as the context block.
//
// # Description
//
// Each result becomes "<title> (<date>)\n<snippet>", with snippets longer
// than MaxSnippetChars cut to exactly MaxSnippetChars characters followed by
// TruncationMarker. Blocks are joined by a blank line.
//
// # Examples
//
//	text := FormatContext([]Result{{Title: "Go 1.25", PublishedDate: "2025-08-12", Snippet: "..."}})
//	// "Go 1.25 (2025-08-12)\n..."
func FormatContext(results []Result) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		date := strings.TrimSpace(r.PublishedDate)
		if date == "" {
			date = unknownDate
		}
		blocks = append(blocks, fmt.Sprintf("%s (%s)\n%s", r.Title, date, TruncateSnippet(r.Snippet)))
	}
	return strings.Join(blocks, blockSeparator)
}

// TruncateSnippet cuts s to MaxSnippetChars characters plus the marker.
// Strings at or under the limit are returned unchanged.
func TruncateSnippet(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxSnippetChars {
		return s
	}
	return string(runes[:MaxSnippetChars]) + TruncationMarker
}
