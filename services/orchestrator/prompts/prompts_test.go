// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedCatalogue(t *testing.T) {
	c, err := Load()

	require.NoError(t, err)
	assert.Equal(t,
		"You are an AI assistant that reports what live search results indicate. "+
			"Summarize the information clearly and concisely. "+
			"If sources disagree, mention the variation. "+
			"Do not add facts beyond the provided information. "+
			"Do not mention sources, URLs, or internal search context.",
		c.Search.System)
	assert.Equal(t, "I couldn’t find any relevant results from live search for this query.", c.Search.NoResults)
	assert.Equal(t, "An error occurred while fetching or summarizing search results.", c.Search.Failure)
	assert.Equal(t, "Summarize this in 3-5 words for a chat title: ", c.Title.Prefix)
}

func TestMustLoad_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { MustLoad() })
}

func TestSearchUserMessage(t *testing.T) {
	c := MustLoad()

	got := c.SearchUserMessage("A (2025)\nsnippet", "what happened?")

	assert.Equal(t, "Search results:\nA (2025)\nsnippet\n\nUser question: what happened?", got)
}

func TestSearchUserMessage_DoesNotExpandInsideValues(t *testing.T) {
	c := MustLoad()

	got := c.SearchUserMessage("literal {question}", "q")

	assert.Equal(t, "Search results:\nliteral {question}\n\nUser question: q", got)
}

func TestParse_RejectsMissingFields(t *testing.T) {
	_, err := Parse([]byte("search:\n  system: hi\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "search.no_results")
	assert.Contains(t, err.Error(), "title.prefix")
}

func TestParse_RejectsTemplateWithoutPlaceholders(t *testing.T) {
	data := []byte(`
search:
  system: s
  user_template: "no placeholders"
  no_results: n
  failure: f
title:
  prefix: p
`)

	_, err := Parse(data)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "{context}")
}

func TestParse_RejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("search: [unterminated"))

	assert.Error(t, err)
}
