// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation assembles the bounded history window sent upstream
// with each plain-mode completion.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultHistoryLimit is how many recent turns are fetched before windowing.
	DefaultHistoryLimit = 10

	// DefaultMaxInputChars is the character budget for the window. At roughly
	// four characters per token this is about 3,000 tokens of history.
	DefaultMaxInputChars = 12000
)

// =============================================================================
// Interfaces
// =============================================================================

// HistorySource returns the most recent turns of a conversation.
//
// # Description
//
// Implementations return at most limit turns ordered newest first. The
// storage package's badger store satisfies this interface.
type HistorySource interface {
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]datatypes.Turn, error)
}

// =============================================================================
// Configuration
// =============================================================================

// WindowConfig controls how much history is considered.
type WindowConfig struct {
	// HistoryLimit is the number of most recent turns fetched. Default: 10
	HistoryLimit int

	// MaxInputChars is the total character budget. Default: 12000
	MaxInputChars int
}

// DefaultWindowConfig returns the standard window configuration.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		HistoryLimit:  DefaultHistoryLimit,
		MaxInputChars: DefaultMaxInputChars,
	}
}

// =============================================================================
// Windower
// =============================================================================

// Windower fetches recent history and trims it to the character budget.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state.
type Windower struct {
	source HistorySource
	config WindowConfig
}

// NewWindower creates a Windower over the given source.
//
// # Inputs
//
//   - source: Turn store. Must not be nil.
//   - config: Zero fields are replaced with defaults.
//
// # Outputs
//
//   - *Windower: Ready to use.
//
// # Limitations
//
//   - Panics if source is nil.
func NewWindower(source HistorySource, config WindowConfig) *Windower {
	if source == nil {
		panic("NewWindower: source must not be nil")
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.MaxInputChars <= 0 {
		config.MaxInputChars = DefaultMaxInputChars
	}
	return &Windower{source: source, config: config}
}

// Build returns the chronological context window for a conversation.
//
// # Description
//
// Fetches up to HistoryLimit turns (newest first) and applies Window with
// the configured budget.
//
// # Inputs
//
//   - ctx: Request context.
//   - conversationID: Conversation to read.
//
// # Outputs
//
//   - []datatypes.Turn: Oldest to newest, within budget.
//   - error: Store failure, wrapped.
func (w *Windower) Build(ctx context.Context, conversationID string) ([]datatypes.Turn, error) {
	recent, err := w.source.RecentTurns(ctx, conversationID, w.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}

	window := Window(recent, w.config.MaxInputChars)

	slog.Debug("Built conversation window",
		"chatId", conversationID,
		"fetched", len(recent),
		"kept", len(window),
	)

	return window, nil
}

// Window selects the newest contiguous run of turns that fits the budget.
//
// # Description
//
// Walks newestFirst from newest to oldest keeping a running character count
// and stops at the first turn that would push the total over budget. Older
// turns past that point are never considered, even if they would fit. The
// kept turns are returned oldest first. The newest turn is always kept, even
// when it alone exceeds the budget.
//
// # Inputs
//
//   - newestFirst: Turns ordered newest to oldest.
//   - budget: Maximum total characters (runes) across kept turns.
//
// # Outputs
//
//   - []datatypes.Turn: Chronological window. Empty only if input is empty.
//
// # Examples
//
//	// sizes newest→oldest: 5000, 5000, 5000 with budget 12000
//	// → keeps the two newest, in chronological order
//	window := Window(turns, 12000)
//
// # Limitations
//
//   - Characters approximate tokens; there is no tokenizer.
func Window(newestFirst []datatypes.Turn, budget int) []datatypes.Turn {
	if len(newestFirst) == 0 {
		return []datatypes.Turn{}
	}

	kept := 0
	total := 0
	for i, turn := range newestFirst {
		size := utf8.RuneCountInString(turn.Content)
		if i > 0 && total+size > budget {
			break
		}
		total += size
		kept++
	}

	window := make([]datatypes.Turn, kept)
	for i := 0; i < kept; i++ {
		window[kept-1-i] = newestFirst[i]
	}
	return window
}

// TotalChars returns the rune count across all turns.
func TotalChars(turns []datatypes.Turn) int {
	total := 0
	for _, t := range turns {
		total += utf8.RuneCountInString(t.Content)
	}
	return total
}
