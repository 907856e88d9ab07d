// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts holds the fixed texts of the answer pipeline.
//
// The catalogue is baked into the binary from prompts.yaml so that the
// wording travels with the executable.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var embedded []byte

// Catalogue is the parsed prompt file.
type Catalogue struct {
	Search SearchPrompts `yaml:"search"`
	Title  TitlePrompts  `yaml:"title"`
}

// SearchPrompts are the texts of the search-augmented path.
type SearchPrompts struct {
	// System is the reporting-style system instruction.
	System string `yaml:"system"`

	// UserTemplate wraps the context block and the question. It must
	// contain {context} and {question}.
	UserTemplate string `yaml:"user_template"`

	// NoResults is the honest-failure answer when search finds nothing.
	NoResults string `yaml:"no_results"`

	// Failure replaces the provider diagnostic in the search path.
	Failure string `yaml:"failure"`
}

// TitlePrompts are the texts of the title summarizer.
type TitlePrompts struct {
	Prefix string `yaml:"prefix"`
}

// Load parses the embedded catalogue.
func Load() (*Catalogue, error) {
	return Parse(embedded)
}

// MustLoad parses the embedded catalogue and panics on error.
func MustLoad() *Catalogue {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes and validates a catalogue.
//
// # Outputs
//
//   - *Catalogue: Every field non-empty.
//   - error: Malformed YAML, a missing text, or a template without both
//     placeholders.
func Parse(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the prompt catalogue: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalogue) validate() error {
	var errs []error
	required := map[string]string{
		"search.system":        c.Search.System,
		"search.user_template": c.Search.UserTemplate,
		"search.no_results":    c.Search.NoResults,
		"search.failure":       c.Search.Failure,
		"title.prefix":         c.Title.Prefix,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("prompt %s is empty", key))
		}
	}
	for _, placeholder := range []string{"{context}", "{question}"} {
		if !strings.Contains(c.Search.UserTemplate, placeholder) {
			errs = append(errs, fmt.Errorf("search.user_template lacks %s", placeholder))
		}
	}
	return errors.Join(errs...)
}

// SearchUserMessage fills the user template. Substituted values are not
// re-scanned for placeholders.
func (c *Catalogue) SearchUserMessage(contextBlock, question string) string {
	return strings.NewReplacer("{context}", contextBlock, "{question}", question).
		Replace(c.Search.UserTemplate)
}
