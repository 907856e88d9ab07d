// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// TextStreamWriter writes raw answer fragments to an HTTP response.
//
// # Description
//
// The wire format is plain UTF-8 text with no framing: each fragment is
// written as-is and flushed immediately. Headers and the 200 status are
// sent lazily on the first fragment, so a handler can still answer with a
// JSON error when nothing has been written.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter
//   - Once Started reports true the status code is fixed at 200
type TextStreamWriter interface {
	// WriteFragment writes and flushes one fragment.
	//
	// # Outputs
	//
	//   - error: Non-nil if the client connection is gone.
	WriteFragment(text string) error

	// Started reports whether any fragment has been written.
	Started() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// textStreamWriter implements TextStreamWriter over http.ResponseWriter.
type textStreamWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	started bool
	mu      sync.Mutex
}

// errNoFlusher is returned when the response cannot be flushed per fragment.
var errNoFlusher = errors.New("ResponseWriter does not support http.Flusher")

// NewTextStreamWriter creates a TextStreamWriter.
//
// # Inputs
//
//   - w: HTTP response writer. Must implement http.Flusher.
//
// # Outputs
//
//   - TextStreamWriter: Ready for writing.
//   - error: Non-nil if w does not support flushing.
func NewTextStreamWriter(w http.ResponseWriter) (TextStreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errNoFlusher
	}
	return &textStreamWriter{writer: w, flusher: flusher}, nil
}

// WriteFragment implements TextStreamWriter.
func (w *textStreamWriter) WriteFragment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		SetTextStreamHeaders(w.writer)
		w.writer.WriteHeader(http.StatusOK)
		w.started = true
	}

	if _, err := io.WriteString(w.writer, text); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Started implements TextStreamWriter.
func (w *textStreamWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// SetTextStreamHeaders configures headers for an unframed text stream.
//
// # Description
//
// Sets Content-Type to text/plain with UTF-8 and disables caching and
// proxy buffering so fragments reach the client as they are flushed.
func SetTextStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ TextStreamWriter = (*textStreamWriter)(nil)
