// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one streamed answer from user message to persisted
// assistant turn.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompts"
	"github.com/AleutianAI/AleutianChat/services/search"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultTitleTimeout bounds the auto-rename call.
	DefaultTitleTimeout = 10 * time.Second

	// DefaultPersistTimeout bounds each store write after streaming.
	DefaultPersistTimeout = 5 * time.Second
)

var tracer = otel.Tracer("aleutian.chat.pipeline")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSearchUnavailable is the recovered cause when no fetcher is configured.
	ErrSearchUnavailable = errors.New("search is not configured")

	// ErrPersistUserTurn is returned when the user turn cannot be stored.
	// No fragment has been written when it is returned.
	ErrPersistUserTurn = errors.New("failed to persist user turn")
)

// =============================================================================
// Types
// =============================================================================

// Mode selects the answer path.
type Mode string

const (
	// ModePlain answers from the conversation history.
	ModePlain Mode = "plain"

	// ModeAgent answers from live search context.
	ModeAgent Mode = "agent"
)

// endpoint maps the mode to its metrics label.
func (m Mode) endpoint() observability.Endpoint {
	if m == ModeAgent {
		return observability.EndpointAgentStream
	}
	return observability.EndpointPlainStream
}

// State is a step of one answer.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingContext State = "awaiting_context"
	StateStreaming       State = "streaming"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateCancelled       State = "cancelled"
)

// FragmentWriter delivers answer text to the client.
//
// # Description
//
// WriteFragment must write and flush the text before returning. An error
// means the client is gone; the pipeline then stops and persists nothing.
type FragmentWriter interface {
	WriteFragment(text string) error
}

// TurnStore is the subset of the conversation store the pipeline writes to.
type TurnStore interface {
	AppendTurn(ctx context.Context, conversationID string, role datatypes.Role, content string) (datatypes.Turn, error)
	RenameConversation(ctx context.Context, conversationID, title string) error
}

// HistoryBuilder returns the chronological context window of a conversation.
// conversation.Windower satisfies it.
type HistoryBuilder interface {
	Build(ctx context.Context, conversationID string) ([]datatypes.Turn, error)
}

// ContextFetcher produces the search context block for a query.
// search.Fetcher satisfies it.
type ContextFetcher interface {
	Fetch(ctx context.Context, query string) search.Context
}

// RunInput describes one answer request.
//
// Conversation must already be ownership-checked by the caller.
type RunInput struct {
	Mode         Mode
	Conversation datatypes.Conversation
	Message      string
	RequestID    string
	UserID       string
}

// RunResult is the recovered outcome of one answer.
//
// # Description
//
// Answer is exactly the text delivered to the client, diagnostic included.
// Err carries the internal cause of a failed answer for logging.
type RunResult struct {
	State       State
	Answer      string
	Digest      string
	Persisted   bool
	Diagnostic  string
	SearchFound bool
	Title       string
	Err         error
}

// =============================================================================
// Configuration
// =============================================================================

// Config wires the pipeline dependencies.
type Config struct {
	// Store receives the user and assistant turns. Required.
	Store TurnStore

	// History builds the plain-mode window. Required.
	History HistoryBuilder

	// Relay streams completions. Required.
	Relay llm.Streamer

	// Prompts holds the fixed texts. Required.
	Prompts *prompts.Catalogue

	// Fetcher supplies search context. Nil makes every agent query "no context".
	Fetcher ContextFetcher

	// Summarizer produces auto-rename titles. Nil disables auto-rename.
	Summarizer llm.TitleSummarizer

	// Filter inspects the user message and the context block.
	Filter extensions.MessageFilter

	// Audit receives one event per finished answer.
	Audit extensions.AuditLogger

	// Metrics overrides observability.DefaultMetrics.
	Metrics *observability.ChatMetrics

	// NewAccumulator creates the per-request answer buffer.
	// Default: DefaultAccumulatorFactory
	NewAccumulator AccumulatorFactory

	// MaxTokens for plain-mode completions. Zero uses the relay default.
	MaxTokens int

	// TitleTimeout bounds auto-rename. Default: 10s
	TitleTimeout time.Duration

	// PersistTimeout bounds store writes after streaming. Default: 5s
	PersistTimeout time.Duration
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline coordinates history, search, relay, and persistence for answers.
//
// # Thread Safety
//
// Safe for concurrent use. Each Run owns its own accumulator and state.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline.
//
// # Limitations
//
//   - Panics if Store, History, Relay, or Prompts is nil.
func New(cfg Config) *Pipeline {
	if cfg.Store == nil {
		panic("pipeline.New: Store must not be nil")
	}
	if cfg.History == nil {
		panic("pipeline.New: History must not be nil")
	}
	if cfg.Relay == nil {
		panic("pipeline.New: Relay must not be nil")
	}
	if cfg.Prompts == nil {
		panic("pipeline.New: Prompts must not be nil")
	}
	if cfg.Filter == nil {
		cfg.Filter = &extensions.NopMessageFilter{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &extensions.NopAuditLogger{}
	}
	if cfg.NewAccumulator == nil {
		cfg.NewAccumulator = DefaultAccumulatorFactory
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = DefaultTitleTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	return &Pipeline{cfg: cfg}
}

// run is the mutable state of one answer.
type run struct {
	in        RunInput
	out       FragmentWriter
	acc       Accumulator
	metrics   *observability.ChatMetrics
	started   time.Time
	fragments int
	result    RunResult

	// stopErr is set when delivery stopped on the pipeline side.
	stopErr error
}

// Run answers one message.
//
// # Description
//
// Pre-start steps (input filter, auto-rename, user turn) run before any
// fragment is written; a failure there is returned as an error and the
// caller may still answer with an HTTP status. After that Run never returns
// an error: upstream failures become one diagnostic fragment, search failures
// become the honest-failure answer, and persistence failures are logged.
//
// # Inputs
//
//   - ctx: Request context. Cancellation stops the answer and skips persistence.
//   - in: Mode, ownership-checked conversation, and the message.
//   - out: Client sink. Written in arrival order.
//
// # Outputs
//
//   - RunResult: Final state and the delivered answer.
//   - error: extensions.ErrMessageBlocked, ErrPersistUserTurn, or an
//     accumulator failure. Nothing has been written when non-nil.
//
// # Examples
//
//	res, err := p.Run(ctx, pipeline.RunInput{Mode: pipeline.ModePlain, Conversation: conv, Message: "hi"}, writer)
//	if err != nil {
//	    c.JSON(http.StatusBadRequest, ...)
//	}
//
// # Assumptions
//
//   - in.Message is non-empty and validated.
func (p *Pipeline) Run(ctx context.Context, in RunInput, out FragmentWriter) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.mode", string(in.Mode)),
		attribute.String("chat.id", in.Conversation.ID),
	)

	r := &run{
		in:      in,
		out:     out,
		metrics: p.metrics(),
		started: time.Now(),
		result:  RunResult{State: StateIdle, Title: in.Conversation.Title},
	}

	filtered, err := p.cfg.Filter.FilterInput(ctx, in.Message)
	if err != nil {
		span.RecordError(err)
		return r.result, fmt.Errorf("filter input: %w", err)
	}
	if filtered.WasBlocked {
		p.recordError(r, observability.ErrorCodeBlocked)
		p.audit(ctx, r, "blocked")
		return r.result, fmt.Errorf("%w: %s", extensions.ErrMessageBlocked, filtered.BlockReason)
	}
	r.in.Message = filtered.Filtered

	acc, err := p.cfg.NewAccumulator()
	if err != nil {
		p.recordError(r, observability.ErrorCodeInternal)
		return r.result, fmt.Errorf("create accumulator: %w", err)
	}
	r.acc = acc
	defer acc.Destroy()

	p.autoRename(ctx, r)

	if _, err := p.cfg.Store.AppendTurn(ctx, in.Conversation.ID, datatypes.RoleUser, r.in.Message); err != nil {
		p.recordError(r, observability.ErrorCodeStorage)
		if r.metrics != nil {
			r.metrics.RecordPersistenceFailure(string(datatypes.RoleUser))
		}
		span.RecordError(err)
		return r.result, fmt.Errorf("%w: %v", ErrPersistUserTurn, err)
	}

	if r.metrics != nil {
		r.metrics.StreamStarted(in.Mode.endpoint())
		defer r.metrics.StreamEnded(in.Mode.endpoint())
	}

	switch in.Mode {
	case ModeAgent:
		p.runAgent(ctx, r)
	default:
		p.runPlain(ctx, r)
	}

	if r.result.State == StateCancelled {
		p.finishCancelled(ctx, r)
	} else {
		p.finalize(ctx, r)
	}

	if r.result.Err != nil {
		span.SetStatus(codes.Error, r.result.Err.Error())
	}
	span.SetAttributes(
		attribute.String("chat.state", string(r.result.State)),
		attribute.Bool("chat.persisted", r.result.Persisted),
	)
	return r.result, nil
}

// =============================================================================
// Answer Paths
// =============================================================================

// runPlain relays the windowed history.
func (p *Pipeline) runPlain(ctx context.Context, r *run) {
	window, err := p.cfg.History.Build(ctx, r.in.Conversation.ID)
	if err != nil {
		if p.cancelledBy(ctx, r) {
			return
		}
		// The user turn is already stored; answer from it alone.
		slog.Warn("Failed to build history window, using current message only",
			"requestId", r.in.RequestID,
			"chatId", r.in.Conversation.ID,
			"error", err,
		)
		window = []datatypes.Turn{{Role: datatypes.RoleUser, Content: r.in.Message}}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(window))
	for _, turn := range window {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	p.relay(ctx, r, llm.CompletionRequest{
		Messages:  messages,
		MaxTokens: p.cfg.MaxTokens,
	}, "")
}

// runAgent fetches search context, then relays the augmented prompt.
func (p *Pipeline) runAgent(ctx context.Context, r *run) {
	r.result.State = StateAwaitingContext

	sc := p.fetchContext(ctx, r)
	if p.cancelledBy(ctx, r) {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordSearch(sc.Found)
	}

	if sc.Found {
		filtered, err := p.cfg.Filter.FilterContext(ctx, sc.Text)
		switch {
		case err != nil:
			sc = search.NoContext(fmt.Errorf("filter context: %w", err))
		case filtered.WasBlocked:
			sc = search.NoContext(fmt.Errorf("%w: %s", extensions.ErrMessageBlocked, filtered.BlockReason))
		default:
			sc.Text = filtered.Filtered
		}
	}

	if !sc.Found {
		slog.Info("No search context, answering with honest failure",
			"requestId", r.in.RequestID,
			"chatId", r.in.Conversation.ID,
			"error", sc.Err,
		)
		r.result.State = StateStreaming
		p.deliver(ctx, r, p.cfg.Prompts.Search.NoResults)
		if r.result.State != StateCancelled {
			r.result.State = StateFinalizing
		}
		return
	}
	r.result.SearchFound = true

	p.relay(ctx, r, llm.CompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.cfg.Prompts.Search.System},
			{Role: openai.ChatMessageRoleUser, Content: p.cfg.Prompts.SearchUserMessage(sc.Text, r.in.Message)},
		},
		Temperature: llm.Float32(0),
	}, p.cfg.Prompts.Search.Failure)
}

// fetchContext asks the fetcher for context; a nil fetcher yields none.
func (p *Pipeline) fetchContext(ctx context.Context, r *run) search.Context {
	if p.cfg.Fetcher == nil {
		return search.NoContext(ErrSearchUnavailable)
	}
	sc := p.cfg.Fetcher.Fetch(ctx, r.in.Message)
	slog.Debug("Search context fetched",
		"requestId", r.in.RequestID,
		"found", sc.Found,
		"results", sc.Results,
	)
	return sc
}

// relay streams one completion to the client.
//
// A non-empty failureText replaces the relay diagnostic, so the client still
// receives exactly one diagnostic fragment.
func (p *Pipeline) relay(ctx context.Context, r *run, req llm.CompletionRequest, failureText string) {
	r.result.State = StateStreaming

	outcome := p.cfg.Relay.Stream(ctx, req, func(event llm.StreamEvent) error {
		content := event.Content
		if event.Type == llm.StreamEventError {
			if failureText != "" {
				content = failureText
			}
			r.result.Diagnostic = content
		}
		return p.deliver(ctx, r, content)
	})

	switch {
	case errors.Is(r.stopErr, ErrAnswerTooLarge), errors.Is(r.stopErr, ErrAccumulatorDestroyed):
		// The answer buffer is unusable; Finalize then refuses it.
		r.result.Err = r.stopErr
		p.recordError(r, observability.ErrorCodeInternal)
		r.result.State = StateFinalizing
	case outcome.Cancelled || r.result.State == StateCancelled:
		r.result.State = StateCancelled
	case outcome.Failed():
		r.result.Err = outcome.Err
		p.recordError(r, observability.ErrorCodeLLMError)
		slog.Warn("Completion stream failed",
			"requestId", r.in.RequestID,
			"chatId", r.in.Conversation.ID,
			"error", outcome.Err,
		)
		r.result.State = StateFinalizing
	default:
		r.result.State = StateFinalizing
	}
}

// deliver accumulates a fragment and writes it to the client.
//
// The fragment is accumulated first so the persisted answer never holds
// text the client did not receive.
func (p *Pipeline) deliver(ctx context.Context, r *run, fragment string) error {
	if fragment == "" {
		return nil
	}
	if err := r.acc.Write(fragment); err != nil {
		r.stopErr = err
		slog.Warn("Answer buffer rejected fragment, stopping stream",
			"requestId", r.in.RequestID,
			"error", err,
		)
		return err
	}
	if err := r.out.WriteFragment(fragment); err != nil {
		r.stopErr = err
		r.result.State = StateCancelled
		return err
	}

	r.fragments++
	if r.metrics != nil {
		endpoint := r.in.Mode.endpoint()
		if r.fragments == 1 {
			r.metrics.RecordTimeToFirstFragment(endpoint, time.Since(r.started).Seconds())
		}
		r.metrics.RecordFragment(endpoint)
	}
	return ctx.Err()
}

// cancelledBy marks the run cancelled when ctx is done.
func (p *Pipeline) cancelledBy(ctx context.Context, r *run) bool {
	if ctx.Err() == nil {
		return false
	}
	r.result.State = StateCancelled
	return true
}

// =============================================================================
// Auto-Rename
// =============================================================================

// autoRename replaces the placeholder title with a summary of the message.
//
// # Description
//
// Runs only while the conversation still has the default title. Any
// failure keeps the title and is logged.
func (p *Pipeline) autoRename(ctx context.Context, r *run) {
	if p.cfg.Summarizer == nil || !r.in.Conversation.NeedsTitle() {
		return
	}

	titleCtx, cancel := context.WithTimeout(ctx, p.cfg.TitleTimeout)
	defer cancel()

	title, err := p.cfg.Summarizer.Summarize(titleCtx, r.in.Message)
	if err == nil {
		title = capTitle(title)
		err = p.cfg.Store.RenameConversation(titleCtx, r.in.Conversation.ID, title)
	}

	if r.metrics != nil {
		r.metrics.RecordTitleRename(err == nil)
	}
	if err != nil {
		slog.Warn("Auto-rename failed, keeping title",
			"requestId", r.in.RequestID,
			"chatId", r.in.Conversation.ID,
			"error", err,
		)
		return
	}

	r.result.Title = title
	slog.Info("Conversation auto-renamed",
		"requestId", r.in.RequestID,
		"chatId", r.in.Conversation.ID,
	)
}

// capTitle limits a title to datatypes.MaxTitleLength characters.
func capTitle(title string) string {
	if utf8.RuneCountInString(title) <= datatypes.MaxTitleLength {
		return title
	}
	return string([]rune(title)[:datatypes.MaxTitleLength])
}

// =============================================================================
// Finalization
// =============================================================================

// finalize persists the delivered answer once.
//
// # Description
//
// Skips persistence when nothing was delivered. The request context is
// checked once; the write itself runs on a context that ignores the
// caller's cancellation so it completes or fails as a unit.
func (p *Pipeline) finalize(ctx context.Context, r *run) {
	r.result.State = StateFinalizing

	text, digest, err := r.acc.Finalize()
	if err != nil {
		r.result.State = StateDone
		r.result.Err = err
		p.recordFinish(r, observability.OutcomeError)
		slog.Error("Failed to finalize answer buffer",
			"requestId", r.in.RequestID,
			"error", err,
		)
		return
	}
	r.result.Answer = text
	r.result.Digest = digest

	if ctx.Err() != nil {
		p.finishCancelled(ctx, r)
		return
	}

	if text != "" {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
		_, err := p.cfg.Store.AppendTurn(writeCtx, r.in.Conversation.ID, datatypes.RoleAssistant, text)
		cancel()
		if err != nil {
			if r.metrics != nil {
				r.metrics.RecordPersistenceFailure(string(datatypes.RoleAssistant))
			}
			slog.Error("Failed to persist assistant turn",
				"requestId", r.in.RequestID,
				"chatId", r.in.Conversation.ID,
				"error", err,
			)
		} else {
			r.result.Persisted = true
		}
	}

	r.result.State = StateDone
	outcome := observability.OutcomeSuccess
	auditOutcome := "success"
	if r.result.Err != nil {
		outcome = observability.OutcomeError
		auditOutcome = "failure"
	}
	p.recordFinish(r, outcome)
	p.audit(ctx, r, auditOutcome)

	slog.Info("Answer completed",
		"requestId", r.in.RequestID,
		"chatId", r.in.Conversation.ID,
		"mode", string(r.in.Mode),
		"fragments", r.fragments,
		"persisted", r.result.Persisted,
		"durationMs", time.Since(r.started).Milliseconds(),
	)
}

// finishCancelled records a cancelled answer. Nothing is persisted.
func (p *Pipeline) finishCancelled(ctx context.Context, r *run) {
	r.result.State = StateCancelled
	r.result.Persisted = false
	if r.metrics != nil {
		r.metrics.RecordClientDisconnect(r.in.Mode.endpoint())
	}
	p.recordFinish(r, observability.OutcomeCancelled)
	p.audit(ctx, r, "cancelled")

	slog.Info("Answer cancelled by client",
		"requestId", r.in.RequestID,
		"chatId", r.in.Conversation.ID,
		"fragments", r.fragments,
	)
}

// =============================================================================
// Helpers
// =============================================================================

func (p *Pipeline) metrics() *observability.ChatMetrics {
	if p.cfg.Metrics != nil {
		return p.cfg.Metrics
	}
	return observability.DefaultMetrics
}

func (p *Pipeline) recordError(r *run, code observability.ErrorCode) {
	if r.metrics != nil {
		r.metrics.RecordError(r.in.Mode.endpoint(), code)
	}
}

func (p *Pipeline) recordFinish(r *run, outcome observability.Outcome) {
	if r.metrics == nil {
		return
	}
	endpoint := r.in.Mode.endpoint()
	r.metrics.RecordRequest(endpoint, outcome)
	r.metrics.RecordStreamDuration(endpoint, time.Since(r.started).Seconds(), outcome)
}

// audit emits the answer event. Message content is never included.
func (p *Pipeline) audit(ctx context.Context, r *run, outcome string) {
	event := extensions.AuditEvent{
		EventType:    "chat.answer",
		Timestamp:    time.Now().UTC(),
		UserID:       r.in.UserID,
		Action:       "stream",
		ResourceType: "conversation",
		ResourceID:   r.in.Conversation.ID,
		Outcome:      outcome,
		Metadata: map[string]any{
			"mode":        string(r.in.Mode),
			"requestId":   r.in.RequestID,
			"fragments":   r.fragments,
			"persisted":   r.result.Persisted,
			"searchFound": r.result.SearchFound,
			"digest":      r.result.Digest,
		},
	}
	if err := p.cfg.Audit.Log(context.WithoutCancel(ctx), event); err != nil {
		slog.Warn("Failed to write audit event",
			"requestId", r.in.RequestID,
			"error", err,
		)
	}
}
