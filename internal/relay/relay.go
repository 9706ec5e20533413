// Package relay streams an assistant reply to a client and saves it.
//
// A run is a pair of goroutines sharing one bounded channel. The generating
// side calls the provider, pushes every chunk into the channel and finally
// yields the full text. The forwarding side drains the channel into the
// client's sink in order. Once both are done the reply is appended to the
// conversation exactly once, and only if the provider finished cleanly and the
// client is still there to be told about it.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/RichardoC/branchpad/internal/apperr"
	"github.com/RichardoC/branchpad/internal/db"
	"github.com/RichardoC/branchpad/internal/llm"
	"github.com/RichardoC/branchpad/internal/metrics"
	"github.com/RichardoC/branchpad/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	FrameDone  = "done"
	FrameError = "error"
)

// Frame is the terminal event of a stream.
type Frame struct {
	Type      string      `json:"type"`
	Saved     *bool       `json:"saved,omitempty"`
	MessageID int64       `json:"message_id,omitempty"`
	Code      apperr.Code `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func doneFrame(msg *models.Message) Frame {
	saved := true
	return Frame{Type: FrameDone, Saved: &saved, MessageID: msg.ID}
}

func unsavedFrame(err error) Frame {
	saved := false
	return Frame{Type: FrameDone, Saved: &saved, Code: apperr.CodePersistence, Message: err.Error()}
}

func errorFrame(err error) Frame {
	return Frame{Type: FrameError, Code: apperr.CodeUpstreamGeneration, Message: err.Error()}
}

// Sink is the client side of a stream. Chunk receives provider chunks
// unchanged; Terminal is called at most once, last.
type Sink interface {
	Chunk(chunk []byte) error
	Terminal(frame Frame) error
}

type Outcome string

const (
	OutcomeSaved          Outcome = "saved"
	OutcomeSaveFailed     Outcome = "save_failed"
	OutcomeUpstreamFailed Outcome = "upstream_failed"
	OutcomeCancelled      Outcome = "cancelled"
)

type Result struct {
	Outcome Outcome
	// Message is the saved assistant reply, set only for OutcomeSaved.
	Message *models.Message
	Chunks  int
	Err     error
}

type Relay struct {
	store    db.Store
	provider llm.Provider
	logger   *zap.Logger

	historyLimit int
	tokenBudget  int
	counter      llm.TokenCounter
	buffer       int
}

type Option func(*Relay)

// WithHistoryLimit caps how many of the most recent messages reach the
// provider. Zero sends everything.
func WithHistoryLimit(n int) Option {
	return func(r *Relay) {
		r.historyLimit = n
	}
}

func WithTokenBudget(budget int, counter llm.TokenCounter) Option {
	return func(r *Relay) {
		r.tokenBudget = budget
		r.counter = counter
	}
}

// WithBuffer sets how many chunks may wait for a slow client before the
// provider is held back.
func WithBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.buffer = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(store db.Store, provider llm.Provider, opts ...Option) *Relay {
	r := &Relay{
		store:        store,
		provider:     provider,
		logger:       zap.NewNop(),
		historyLimit: 10,
		buffer:       64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send appends a user message to the conversation and streams the reply.
// Errors are returned only for failures before streaming starts; everything
// after that is reported through the sink and the Result. The user message
// is saved in the same transaction that reads the history, so a failed read
// leaves the log untouched.
func (r *Relay) Send(ctx context.Context, conversationID int64, content string, sink Sink) (Result, error) {
	if strings.TrimSpace(content) == "" {
		return Result{}, apperr.New(apperr.CodeInvalidArgument, "message content is required")
	}

	var history []models.Message
	err := r.store.RunInTx(ctx, func(tx db.Store) error {
		if _, err := tx.GetConversation(ctx, conversationID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.Wrap(apperr.CodeConversationNotFound, "conversation not found", err)
			}
			return apperr.Wrap(apperr.CodeInternal, "load conversation", err)
		}

		userMsg := &models.Message{ConvID: conversationID, Role: models.RoleUser, Content: content}
		if err := tx.AppendMessage(ctx, userMsg); err != nil {
			return apperr.Wrap(apperr.CodePersistence, "save user message", err)
		}

		var err error
		history, err = tx.GetConversationHistory(ctx, conversationID, r.historyLimit)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "load history", err)
		}
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			err = apperr.Wrap(apperr.CodePersistence, "save user message", err)
		}
		return Result{}, err
	}
	return r.Run(ctx, conversationID, history, sink), nil
}

// Run generates a reply to history, forwards it to sink and saves it to the
// conversation.
func (r *Relay) Run(ctx context.Context, conversationID int64, history []models.Message, sink Sink) Result {
	start := time.Now()
	logger := r.logger.With(zap.Int64("conversation_id", conversationID))

	history = llm.Window(history, r.historyLimit)
	history = llm.TrimToBudget(history, r.tokenBudget, r.counter)

	chunks := make(chan []byte, r.buffer)
	g, gctx := errgroup.WithContext(ctx)

	var (
		text     string
		genErr   error
		writeErr error
		sent     int
	)

	g.Go(func() error {
		defer close(chunks)
		text, genErr = r.provider.Generate(gctx, history, func(ctx context.Context, chunk []byte) error {
			buf := make([]byte, len(chunk))
			copy(buf, chunk)
			select {
			case chunks <- buf:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return nil
	})

	// Drains without watching gctx so chunks buffered before an upstream
	// failure still reach the client ahead of the error frame.
	g.Go(func() error {
		for chunk := range chunks {
			if err := sink.Chunk(chunk); err != nil {
				writeErr = err
				return err
			}
			sent++
		}
		return nil
	})

	_ = g.Wait()
	metrics.StreamChunksTotal.Add(float64(sent))

	res := r.finish(ctx, logger, conversationID, text, genErr, writeErr, sink)
	res.Chunks = sent
	metrics.StreamsTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.StreamDuration.WithLabelValues(string(res.Outcome)).Observe(time.Since(start).Seconds())
	return res
}

func (r *Relay) finish(ctx context.Context, logger *zap.Logger, conversationID int64, text string, genErr, writeErr error, sink Sink) Result {
	if writeErr != nil {
		logger.Info("client went away during stream", zap.Error(writeErr))
		return Result{Outcome: OutcomeCancelled, Err: writeErr}
	}
	if err := ctx.Err(); err != nil {
		logger.Info("stream cancelled", zap.Error(err))
		return Result{Outcome: OutcomeCancelled, Err: err}
	}

	if genErr != nil {
		err := apperr.Wrap(apperr.CodeUpstreamGeneration, "generation failed", genErr)
		logger.Warn("upstream generation failed", zap.Error(genErr))
		r.terminal(logger, sink, errorFrame(err))
		return Result{Outcome: OutcomeUpstreamFailed, Err: err}
	}

	msg := &models.Message{ConvID: conversationID, Role: models.RoleAssistant, Content: text}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		err = apperr.Wrap(apperr.CodePersistence, "reply was generated but not saved", err)
		logger.Error("failed to save assistant reply", zap.Error(err))
		r.terminal(logger, sink, unsavedFrame(err))
		return Result{Outcome: OutcomeSaveFailed, Err: err}
	}

	logger.Debug("assistant reply saved", zap.Int64("message_id", msg.ID), zap.Int("length", len(text)))
	r.terminal(logger, sink, doneFrame(msg))
	return Result{Outcome: OutcomeSaved, Message: msg}
}

func (r *Relay) terminal(logger *zap.Logger, sink Sink, frame Frame) {
	if err := sink.Terminal(frame); err != nil {
		logger.Info("failed to write terminal frame", zap.String("type", frame.Type), zap.Error(err))
	}
}
