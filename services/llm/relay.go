// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm talks to the upstream text-generation provider: the streaming
// Completion Relay and the one-shot Title Summarizer.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultBaseURL is the OpenRouter-compatible API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultModel is the model used when a request names none.
	DefaultModel = "meta-llama/llama-3.1-8b-instruct"

	// DefaultMaxTokens bounds a streamed answer.
	DefaultMaxTokens = 1000

	// DefaultReferer is sent as HTTP-Referer.
	DefaultReferer = "http://localhost:8000"

	// DefaultAppTitle is sent as X-Title.
	DefaultAppTitle = "AleutianChat"

	// dataPrefix marks a payload line.
	dataPrefix = "data: "

	// doneMarker ends the stream normally.
	doneMarker = "[DONE]"

	// maxLineBytes caps a single event line.
	maxLineBytes = 1024 * 1024
)

// =============================================================================
// Errors
// =============================================================================

// ErrStreamFailed wraps every failure that ends a stream early.
var ErrStreamFailed = errors.New("completion stream failed")

// StatusError reports a non-200 response when the stream was opened.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion provider returned status %d", e.StatusCode)
}

// Unwrap lets errors.Is match ErrStreamFailed.
func (e *StatusError) Unwrap() error {
	return ErrStreamFailed
}

// HTTPStatusCode returns the provider status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// =============================================================================
// Stream Types
// =============================================================================

// StreamEventType distinguishes generated text from diagnostics.
type StreamEventType string

const (
	// StreamEventToken carries a generated text fragment.
	StreamEventToken StreamEventType = "token"

	// StreamEventError carries the single diagnostic fragment of a failed stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one item produced by the Relay.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives events in arrival order.
//
// # Description
//
// Return an error to stop the stream (e.g. the client went away). The Relay
// treats any callback error as cancellation: no diagnostic is produced.
//
// # Examples
//
//	callback := func(event llm.StreamEvent) error {
//	    return writer.WriteFragment(event.Content)
//	}
type StreamCallback func(event StreamEvent) error

// CompletionRequest is the input to one streamed completion.
type CompletionRequest struct {
	// Model overrides the relay's default model.
	Model string

	// Messages is the ordered role/content list sent upstream.
	Messages []openai.ChatCompletionMessage

	// MaxTokens bounds the output. Zero uses the relay default.
	MaxTokens int

	// Temperature is sent when non-nil. Zero is honoured.
	Temperature *float32
}

// RelayOutcome is the recovered result of a stream.
//
// # Description
//
// Text is everything accumulated before the stream ended, including text
// produced before a mid-stream failure. Diagnostic is the single error
// fragment delivered to the callback, empty on success and on cancellation.
// Err carries the internal cause for logging only.
type RelayOutcome struct {
	Text       string
	Diagnostic string
	Fragments  int
	Cancelled  bool
	Err        error
}

// Failed reports whether the stream ended on a provider failure.
func (o RelayOutcome) Failed() bool {
	return o.Err != nil && !o.Cancelled
}

// Streamer produces a live completion stream.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest, callback StreamCallback) RelayOutcome
}

// HTTPClient is the subset of *http.Client the relay needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Relay
// =============================================================================

// RelayConfig configures the Relay.
type RelayConfig struct {
	// APIKey authenticates against the provider. Required.
	APIKey string

	// BaseURL overrides DefaultBaseURL.
	BaseURL string

	// Model overrides DefaultModel.
	Model string

	// MaxTokens overrides DefaultMaxTokens.
	MaxTokens int

	// Referer and AppTitle fill the attribution headers.
	Referer  string
	AppTitle string

	// HTTPClient overrides the instrumented default client. Must not set a
	// whole-request timeout.
	HTTPClient HTTPClient
}

// Relay drives a streaming chat completion and forwards each fragment.
//
// # Description
//
// Relay posts a typed go-openai ChatCompletionRequest with stream=true and
// reads the response as event lines. It never panics past its boundary and
// never persists anything; persistence belongs to the caller.
//
// # Thread Safety
//
// Safe for concurrent use. Every call opens its own stream.
type Relay struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	referer   string
	appTitle  string
	http      HTTPClient
	fragments metric.Int64Counter
}

// NewRelay creates a Relay.
//
// # Inputs
//
//   - cfg: Relay configuration. APIKey is required.
//
// # Outputs
//
//   - *Relay: Ready to use.
//   - error: Non-nil if APIKey is empty.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Referer == "" {
		cfg.Referer = DefaultReferer
	}
	if cfg.AppTitle == "" {
		cfg.AppTitle = DefaultAppTitle
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	fragments, err := otel.Meter("aleutian.chat.llm").Int64Counter(
		"llm.relay.fragments",
		metric.WithDescription("Text fragments relayed from the completion provider"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fragment counter: %w", err)
	}

	return &Relay{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		referer:   cfg.Referer,
		appTitle:  cfg.AppTitle,
		http:      cfg.HTTPClient,
		fragments: fragments,
	}, nil
}

// Model returns the default model identifier.
func (r *Relay) Model() string {
	return r.model
}

// Stream runs one streamed completion.
//
// # Description
//
// Opens the stream and reads it line by line. Lines starting with "data: "
// carry a JSON chunk; "[DONE]" ends the stream; a line that does not decode
// is skipped. Every non-empty choices[0].delta.content is passed to callback
// at once and appended to the outcome text.
//
// A non-200 status at open ends the stream with one diagnostic event
// "Error: <status>". A read failure mid-stream ends it with one diagnostic
// event "Stream Error: <reason>"; the text accumulated so far is kept.
// Context cancellation, or an error returned by callback, ends the stream
// with Cancelled set and no diagnostic.
//
// # Inputs
//
//   - ctx: Cancelling it stops reading as soon as possible.
//   - req: Messages and limits. Zero fields use relay defaults.
//   - callback: Receives events in arrival order. Must not be nil.
//
// # Outputs
//
//   - RelayOutcome: Always returned. Stream never panics.
//
// # Examples
//
//	outcome := relay.Stream(ctx, llm.CompletionRequest{Messages: msgs}, func(ev llm.StreamEvent) error {
//	    return w.WriteFragment(ev.Content)
//	})
//	if outcome.Cancelled {
//	    return
//	}
func (r *Relay) Stream(ctx context.Context, req CompletionRequest, callback StreamCallback) (outcome RelayOutcome) {
	ctx, span := otel.Tracer("aleutian.chat.llm").Start(ctx, "llm.Relay.Stream")
	defer span.End()

	var text strings.Builder

	defer func() {
		if rec := recover(); rec != nil {
			// The callback may be what panicked; it is not called again.
			slog.Error("Relay panic recovered", "panic", rec)
			outcome = RelayOutcome{
				Text: text.String(),
				Err:  fmt.Errorf("%w: panic: %v", ErrStreamFailed, rec),
			}
		}
		span.SetAttributes(
			attribute.Int("llm.fragments", outcome.Fragments),
			attribute.Bool("llm.cancelled", outcome.Cancelled),
		)
		if outcome.Failed() {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.Diagnostic)
		}
	}()

	body, model, err := r.buildBody(req)
	if err != nil {
		return r.fail(ctx, callback, &text, 0, err, "Stream Error: invalid request")
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return r.fail(ctx, callback, &text, 0, fmt.Errorf("%w: build request: %v", ErrStreamFailed, err), "Stream Error: invalid request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("HTTP-Referer", r.referer)
	httpReq.Header.Set("X-Title", r.appTitle)

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return r.fail(ctx, callback, &text, 0, fmt.Errorf("%w: %v", ErrStreamFailed, err), "Stream Error: "+describeStreamError(err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return r.fail(ctx, callback, &text, 0, &StatusError{StatusCode: resp.StatusCode}, fmt.Sprintf("Error: %d", resp.StatusCode))
	}

	return r.readStream(ctx, resp.Body, callback, &text)
}

// readStream consumes event lines until [DONE], EOF, failure, or cancel.
func (r *Relay) readStream(ctx context.Context, body io.Reader, callback StreamCallback, text *strings.Builder) RelayOutcome {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	fragments := 0

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return cancelled(text, fragments, err)
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == doneMarker {
			break
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("Skipping malformed stream line", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}

		text.WriteString(content)
		fragments++
		r.fragments.Add(ctx, 1)

		if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
			return cancelled(text, fragments, err)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(text, fragments, ctxErr)
		}
		return r.fail(ctx, callback, text, fragments,
			fmt.Errorf("%w: read stream: %v", ErrStreamFailed, err), "Stream Error: "+describeStreamError(err))
	}

	if err := ctx.Err(); err != nil {
		return cancelled(text, fragments, err)
	}

	return RelayOutcome{Text: text.String(), Fragments: fragments}
}

// streamRequest overrides the embedded temperature so that an explicit
// zero is encoded; go-openai drops it with omitempty.
type streamRequest struct {
	openai.ChatCompletionRequest
	Temperature *float32 `json:"temperature,omitempty"`
}

// buildBody encodes the typed provider request.
func (r *Relay) buildBody(req CompletionRequest) ([]byte, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", fmt.Errorf("%w: no messages", ErrStreamFailed)
	}

	model := req.Model
	if model == "" {
		model = r.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.maxTokens
	}

	body := streamRequest{
		ChatCompletionRequest: openai.ChatCompletionRequest{
			Model:     model,
			Messages:  req.Messages,
			MaxTokens: maxTokens,
			Stream:    true,
		},
		Temperature: req.Temperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: marshal request: %v", ErrStreamFailed, err)
	}
	return data, model, nil
}

// fail delivers the single diagnostic fragment and builds the outcome.
//
// If the context is already done the failure is reported as cancellation.
func (r *Relay) fail(ctx context.Context, callback StreamCallback, text *strings.Builder, fragments int, cause error, diagnostic string) RelayOutcome {
	if err := ctx.Err(); err != nil {
		return cancelled(text, fragments, err)
	}

	slog.Warn("Completion stream failed", "error", cause, "fragments", fragments)

	if err := callback(StreamEvent{Type: StreamEventError, Content: diagnostic}); err != nil {
		return cancelled(text, fragments, err)
	}

	return RelayOutcome{
		Text:       text.String(),
		Diagnostic: diagnostic,
		Fragments:  fragments,
		Err:        cause,
	}
}

func cancelled(text *strings.Builder, fragments int, cause error) RelayOutcome {
	return RelayOutcome{
		Text:      text.String(),
		Fragments: fragments,
		Cancelled: true,
		Err:       cause,
	}
}

// describeStreamError renders a transport error without internal detail.
func describeStreamError(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "upstream timed out"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "connection closed unexpectedly"
	case errors.Is(err, bufio.ErrTooLong):
		return "response line too long"
	default:
		return "upstream connection failed"
	}
}

// Float32 returns a pointer to v.
func Float32(v float32) *float32 {
	return &v
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Streamer = (*Relay)(nil)
