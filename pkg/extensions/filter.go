// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned when a filter refuses a message.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult is the outcome of one filter pass.
type FilterResult struct {
	// Original is the input text.
	Original string

	// Filtered is the text to use downstream. Equals Original when
	// WasModified is false.
	Filtered string

	// WasModified is true when Filtered differs from Original.
	WasModified bool

	// WasBlocked is true when the text must not be sent anywhere.
	WasBlocked bool

	// BlockReason is a client-safe explanation when WasBlocked is true.
	BlockReason string
}

// MessageFilter inspects text before it reaches the model provider.
//
// FilterInput runs on the user message before it is persisted.
// FilterContext runs on the search context block before it is placed in
// the augmented prompt.
type MessageFilter interface {
	FilterInput(ctx context.Context, message string) (*FilterResult, error)
	FilterContext(ctx context.Context, contextBlock string) (*FilterResult, error)
}

// NopMessageFilter passes everything through unchanged.
type NopMessageFilter struct{}

// FilterInput implements MessageFilter.
func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

// FilterContext implements MessageFilter.
func (f *NopMessageFilter) FilterContext(_ context.Context, contextBlock string) (*FilterResult, error) {
	return &FilterResult{Original: contextBlock, Filtered: contextBlock}, nil
}

var _ MessageFilter = (*NopMessageFilter)(nil)
