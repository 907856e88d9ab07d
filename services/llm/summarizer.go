// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultTitlePrompt precedes the first user message.
	DefaultTitlePrompt = "Summarize this in 3-5 words for a chat title: "

	// DefaultTitleMaxTokens bounds the title completion.
	DefaultTitleMaxTokens = 15

	// DefaultTitleTimeout bounds one summarization call.
	DefaultTitleTimeout = 10 * time.Second
)

// ErrEmptyTitle is returned when the model produced no usable title.
var ErrEmptyTitle = errors.New("summarizer returned an empty title")

// TitleSummarizer turns a first message into a short chat title.
type TitleSummarizer interface {
	Summarize(ctx context.Context, firstMessage string) (string, error)
}

// SummarizerConfig configures the langchaingo-backed summarizer.
type SummarizerConfig struct {
	// Prompt precedes the message. Default: DefaultTitlePrompt
	Prompt string

	// MaxTokens bounds the completion. Default: DefaultTitleMaxTokens
	MaxTokens int

	// Timeout bounds one call. Default: DefaultTitleTimeout
	Timeout time.Duration
}

// ModelConfig describes an OpenAI-compatible endpoint for langchaingo.
type ModelConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAICompatibleModel builds a langchaingo model for an
// OpenAI-compatible API such as OpenRouter.
//
// # Inputs
//
//   - cfg: Endpoint description. APIKey is required.
//
// # Outputs
//
//   - llms.Model: Non-streaming model handle.
//   - error: Non-nil if the key is missing or the client cannot be built.
func NewOpenAICompatibleModel(cfg ModelConfig) (llms.Model, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	model, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create langchaingo model: %w", err)
	}
	return model, nil
}

// Summarizer implements TitleSummarizer with one non-streaming call.
//
// # Description
//
// Sends a single instruction message at temperature 0 with a small output
// budget. The reply has every double quote removed and is trimmed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Summarizer struct {
	model     llms.Model
	prompt    string
	maxTokens int
	timeout   time.Duration
}

// NewSummarizer creates a Summarizer.
//
// # Limitations
//
//   - Panics if model is nil.
func NewSummarizer(model llms.Model, cfg SummarizerConfig) *Summarizer {
	if model == nil {
		panic("NewSummarizer: model must not be nil")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultTitlePrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultTitleMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTitleTimeout
	}
	return &Summarizer{
		model:     model,
		prompt:    cfg.Prompt,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

// Summarize returns a cleaned title for firstMessage.
//
// # Outputs
//
//   - string: Non-empty title without double quotes.
//   - error: Model failure, timeout, or ErrEmptyTitle.
func (s *Summarizer) Summarize(ctx context.Context, firstMessage string) (string, error) {
	ctx, span := otel.Tracer("aleutian.chat.llm").Start(ctx, "llm.Summarizer.Summarize")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := llms.GenerateFromSinglePrompt(ctx, s.model, s.prompt+firstMessage,
		llms.WithTemperature(0),
		llms.WithMaxTokens(s.maxTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarize failed")
		return "", fmt.Errorf("summarize title: %w", err)
	}

	title := CleanTitle(raw)
	if title == "" {
		return "", ErrEmptyTitle
	}

	span.SetAttributes(attribute.Int("llm.title_length", len(title)))
	return title, nil
}

// CleanTitle removes double quotes and surrounding whitespace.
func CleanTitle(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(raw, `"`, ""))
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ TitleSummarizer = (*Summarizer)(nil)
