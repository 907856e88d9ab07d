// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search fetches live web-search results and formats them into the
// context block used by search-augmented answers.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultBaseURL is the Tavily API root.
	DefaultBaseURL = "https://api.tavily.com"

	// DefaultMaxResults is how many results are requested and kept.
	DefaultMaxResults = 3

	// DefaultTimeout bounds a single search call.
	DefaultTimeout = 10 * time.Second

	// untitled replaces a missing result title.
	untitled = "No Title"

	// maxErrorBodyBytes caps how much of an error body is read.
	maxErrorBodyBytes = 4096
)

// =============================================================================
// Errors
// =============================================================================

// ErrSearchFailed wraps every provider failure.
var ErrSearchFailed = errors.New("search failed")

// ErrNoResults is returned when the provider answers with an empty list.
var ErrNoResults = errors.New("search returned no results")

// StatusError reports a non-200 provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search provider returned status %d", e.StatusCode)
}

// Unwrap lets errors.Is match ErrSearchFailed.
func (e *StatusError) Unwrap() error {
	return ErrSearchFailed
}

// HTTPStatusCode returns the provider status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// =============================================================================
// Types
// =============================================================================

// HTTPClient is the subset of *http.Client the search client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is one normalized search hit.
type Result struct {
	Title         string
	Snippet       string
	URL           string
	PublishedDate string
}

// Searcher runs a blocking web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// tavilyRequest is the POST /search body.
type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
	IncludeImages     bool   `json:"include_images"`
}

// tavilyResponse is the subset of the /search response that is used.
type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content"`
	PublishedDate string `json:"published_date"`
}

// =============================================================================
// Client
// =============================================================================

// ClientConfig configures the Tavily client.
type ClientConfig struct {
	// APIKey authenticates against the provider. Required.
	APIKey string

	// BaseURL overrides DefaultBaseURL (tests point this at httptest).
	BaseURL string

	// MaxResults overrides DefaultMaxResults.
	MaxResults int

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the instrumented default client.
	HTTPClient HTTPClient
}

// Client calls the Tavily search API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	apiKey     string
	baseURL    string
	maxResults int
	timeout    time.Duration
	http       HTTPClient
}

// NewClient creates a Tavily client.
//
// # Inputs
//
//   - cfg: Client configuration. APIKey is required.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil if APIKey is empty.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("search api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxResults: cfg.MaxResults,
		timeout:    cfg.Timeout,
		http:       cfg.HTTPClient,
	}, nil
}

// Search runs one basic-depth search.
//
// # Description
//
// Posts the query with answer, raw content, and images disabled, and
// normalizes up to MaxResults hits. Missing titles become "No Title".
//
// # Inputs
//
//   - ctx: Bounds the call together with the client timeout.
//   - query: Free-text query.
//
// # Outputs
//
//   - []Result: At least one result on success.
//   - error: Wraps ErrSearchFailed; ErrNoResults when the list is empty.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	ctx, span := otel.Tracer("aleutian.chat.search").Start(ctx, "search.Client.Search")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(tavilyRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrSearchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrSearchFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		span.SetStatus(codes.Error, "non-200 status")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: decode response: %v", ErrSearchFailed, err)
	}

	results := normalize(decoded.Results, c.maxResults)
	span.SetAttributes(attribute.Int("search.results", len(results)))

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, ErrNoResults)
	}

	slog.Debug("Search completed", "results", len(results))
	return results, nil
}

// normalize converts provider results and caps the count.
func normalize(raw []tavilyResult, limit int) []Result {
	if len(raw) > limit {
		raw = raw[:limit]
	}
	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = untitled
		}
		results = append(results, Result{
			Title:         title,
			Snippet:       r.Content,
			URL:           r.URL,
			PublishedDate: r.PublishedDate,
		})
	}
	return results
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Searcher = (*Client)(nil)
