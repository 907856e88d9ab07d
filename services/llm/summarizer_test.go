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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// mockModel is a scripted llms.Model that records the call options.
type mockModel struct {
	reply   string
	err     error
	block   bool
	prompt  string
	options llms.CallOptions
}

func (m *mockModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, opt := range options {
		opt(&m.options)
	}
	if len(messages) > 0 && len(messages[0].Parts) > 0 {
		if text, ok := messages[0].Parts[0].(llms.TextContent); ok {
			m.prompt = text.Text
		}
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *mockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestNewSummarizer_PanicsOnNilModel(t *testing.T) {
	assert.Panics(t, func() {
		NewSummarizer(nil, SummarizerConfig{})
	})
}

func TestSummarizer_Summarize_StripsQuotes(t *testing.T) {
	model := &mockModel{reply: "  \"Capital of France\"\n"}
	s := NewSummarizer(model, SummarizerConfig{})

	title, err := s.Summarize(context.Background(), "What's the capital of France?")

	require.NoError(t, err)
	assert.Equal(t, "Capital of France", title)
	assert.Equal(t, "Summarize this in 3-5 words for a chat title: What's the capital of France?", model.prompt)
}

func TestSummarizer_Summarize_UsesSmallDeterministicBudget(t *testing.T) {
	model := &mockModel{reply: "Title"}
	s := NewSummarizer(model, SummarizerConfig{})

	_, err := s.Summarize(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, DefaultTitleMaxTokens, model.options.MaxTokens)
	assert.Equal(t, float64(0), model.options.Temperature)
}

func TestSummarizer_Summarize_ModelError(t *testing.T) {
	s := NewSummarizer(&mockModel{err: errors.New("upstream 500")}, SummarizerConfig{})

	_, err := s.Summarize(context.Background(), "hello")

	assert.Error(t, err)
}

func TestSummarizer_Summarize_EmptyAfterCleaning(t *testing.T) {
	s := NewSummarizer(&mockModel{reply: `" "`}, SummarizerConfig{})

	_, err := s.Summarize(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrEmptyTitle)
}

func TestSummarizer_Summarize_Timeout(t *testing.T) {
	s := NewSummarizer(&mockModel{block: true}, SummarizerConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := s.Summarize(context.Background(), "hello")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Paris Trip"`, "Paris Trip"},
		{`  Plain Title  `, "Plain Title"},
		{`Say "hi" back`, "Say hi back"},
		{`""`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanTitle(tt.in), tt.in)
	}
}

func TestNewOpenAICompatibleModel_RequiresKey(t *testing.T) {
	_, err := NewOpenAICompatibleModel(ModelConfig{})

	assert.Error(t, err)
}

func TestNewOpenAICompatibleModel_Builds(t *testing.T) {
	model, err := NewOpenAICompatibleModel(ModelConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"})

	require.NoError(t, err)
	assert.NotNil(t, model)
}
