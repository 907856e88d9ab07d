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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// DefaultWorkers is the number of searches allowed in flight at once.
const DefaultWorkers = 4

// ErrEmptyQuery is recorded when the query is blank.
var ErrEmptyQuery = errors.New("empty search query")

// FetcherConfig configures the Fetcher.
type FetcherConfig struct {
	// Workers bounds concurrent provider calls. Default: 4
	Workers int64

	// Timeout bounds one provider call including the wait for a worker.
	// Default: DefaultTimeout
	Timeout time.Duration
}

// Fetcher turns a query into a Context without ever failing.
//
// # Description
//
// Fetch hands the blocking provider call to a worker goroutine bounded by a
// weighted semaphore and waits on the result channel or on the caller's
// context, whichever finishes first. Identical in-flight queries share one
// provider call.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Limitations
//
//   - A caller that gives up does not cancel a shared in-flight call; the
//     call finishes within Timeout and its result is discarded.
type Fetcher struct {
	searcher Searcher
	workers  *semaphore.Weighted
	group    singleflight.Group
	timeout  time.Duration
}

// NewFetcher creates a Fetcher over searcher.
//
// # Inputs
//
//   - searcher: Provider client. Must not be nil.
//   - cfg: Zero fields use defaults.
//
// # Limitations
//
//   - Panics if searcher is nil.
func NewFetcher(searcher Searcher, cfg FetcherConfig) *Fetcher {
	if searcher == nil {
		panic("NewFetcher: searcher must not be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Fetcher{
		searcher: searcher,
		workers:  semaphore.NewWeighted(cfg.Workers),
		timeout:  cfg.Timeout,
	}
}

// Fetch returns the formatted context block for query.
//
// # Description
//
// Any provider error, timeout, empty result set, panic, or caller
// cancellation yields Context{Found: false} with Err set. A successful call
// yields Found true and the formatted block.
//
// # Inputs
//
//   - ctx: Caller context. Cancellation returns immediately.
//   - query: Free-text query.
//
// # Outputs
//
//   - Context: Never carries a partial result.
func (f *Fetcher) Fetch(ctx context.Context, query string) Context {
	ctx, span := otel.Tracer("aleutian.chat.search").Start(ctx, "search.Fetcher.Fetch")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return NoContext(ErrEmptyQuery)
	}

	resultCh := f.group.DoChan(query, func() (interface{}, error) {
		return f.run(ctx, query)
	})

	select {
	case <-ctx.Done():
		span.SetAttributes(attribute.Bool("search.cancelled", true))
		return NoContext(ctx.Err())

	case res := <-resultCh:
		span.SetAttributes(attribute.Bool("search.shared", res.Shared))
		if res.Err != nil {
			slog.Warn("Search context unavailable", "error", res.Err)
			return NoContext(res.Err)
		}

		results, _ := res.Val.([]Result)
		if len(results) == 0 {
			return NoContext(ErrNoResults)
		}

		span.SetAttributes(attribute.Int("search.results", len(results)))
		return Context{
			Text:    FormatContext(results),
			Found:   true,
			Results: len(results),
		}
	}
}

// run executes one provider call on a pool worker.
func (f *Fetcher) run(parent context.Context, query string) (results []Result, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), f.timeout)
	defer cancel()

	if err := f.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: no search worker available: %v", ErrSearchFailed, err)
	}
	defer f.workers.Release(1)

	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("%w: provider panic: %v", ErrSearchFailed, r)
		}
	}()

	return f.searcher.Search(ctx, query)
}
