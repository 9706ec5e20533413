// Package fork creates branch conversations.
//
// A fork copies the prefix of a source conversation's log, up to and
// including a cutoff message, into a brand-new conversation that records the
// source and the cutoff as its lineage. The copy is deep: the new
// conversation owns fresh message rows, so either side can be edited or
// deleted without affecting the other.
package fork

import (
	"context"
	"errors"
	"strings"

	"github.com/RichardoC/branchpad/internal/apperr"
	"github.com/RichardoC/branchpad/internal/db"
	"github.com/RichardoC/branchpad/internal/metrics"
	"github.com/RichardoC/branchpad/internal/models"
	"go.uber.org/zap"
)

// BranchMarker is appended to the title of a forked conversation.
const BranchMarker = " (branch)"

// BranchTitle derives a branch title from the source title. Forking an
// already-branched conversation does not stack markers.
func BranchTitle(title string) string {
	if strings.HasSuffix(title, BranchMarker) {
		return title
	}
	return title + BranchMarker
}

type Engine struct {
	store  db.Store
	logger *zap.Logger
}

func NewEngine(store db.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// Fork creates a branch of sourceID containing every message up to and
// including cutoffID. The conversation row and the copied messages are
// written in one transaction.
func (e *Engine) Fork(ctx context.Context, sourceID, cutoffID int64) (*models.Conversation, error) {
	if _, _, err := validate(ctx, e.store, sourceID, cutoffID); err != nil {
		metrics.ForksTotal.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}

	var branch *models.Conversation
	var copied int
	err := e.store.RunInTx(ctx, func(tx db.Store) error {
		// Re-read inside the transaction so the prefix matches the state the
		// write is based on.
		source, cutoff, err := validate(ctx, tx, sourceID, cutoffID)
		if err != nil {
			return err
		}

		prefix, err := tx.MessagesThrough(ctx, cutoff)
		if err != nil {
			return apperr.Wrap(apperr.CodeForkWrite, "read fork prefix", err)
		}

		conv := &models.Conversation{
			Title:                BranchTitle(source.Title),
			ParentConversationID: &sourceID,
			BranchFromMessageID:  &cutoffID,
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return apperr.Wrap(apperr.CodeForkWrite, "create branch conversation", err)
		}

		copies, err := tx.InsertMessages(ctx, conv.ID, prefix)
		if err != nil {
			return apperr.Wrap(apperr.CodeForkWrite, "copy messages", err)
		}

		branch = conv
		copied = len(copies)
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			err = apperr.Wrap(apperr.CodeForkWrite, "fork transaction", err)
		}
		metrics.ForksTotal.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		e.logger.Warn("fork failed",
			zap.Int64("source_conversation_id", sourceID),
			zap.Int64("cutoff_message_id", cutoffID),
			zap.String("code", string(apperr.CodeOf(err))),
			zap.Error(err))
		return nil, err
	}

	metrics.ForksTotal.WithLabelValues("ok").Inc()
	metrics.ForkedMessagesTotal.Add(float64(copied))
	e.logger.Info("conversation forked",
		zap.Int64("source_conversation_id", sourceID),
		zap.Int64("cutoff_message_id", cutoffID),
		zap.Int64("branch_conversation_id", branch.ID),
		zap.Int("copied_messages", copied))
	return branch, nil
}

// validate resolves the source conversation and cutoff message and checks
// that the cutoff belongs to the source.
func validate(ctx context.Context, store db.Store, sourceID, cutoffID int64) (*models.Conversation, *models.Message, error) {
	source, err := store.GetConversation(ctx, sourceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, apperr.Wrap(apperr.CodeConversationNotFound, "source conversation not found", err)
		}
		return nil, nil, apperr.Wrap(apperr.CodeInternal, "load source conversation", err)
	}

	cutoff, err := store.GetMessage(ctx, cutoffID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, apperr.Wrap(apperr.CodeMessageNotFound, "cutoff message not found", err)
		}
		return nil, nil, apperr.Wrap(apperr.CodeInternal, "load cutoff message", err)
	}

	if cutoff.ConvID != source.ID {
		return nil, nil, apperr.New(apperr.CodeMessageNotInConversation, "cutoff message does not belong to the source conversation")
	}
	return source, cutoff, nil
}

// Lineage returns the conversation followed by its ancestors, nearest first.
// The walk stops at a root or at a parent that no longer exists.
func (e *Engine) Lineage(ctx context.Context, id int64) ([]models.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Wrap(apperr.CodeConversationNotFound, "conversation not found", err)
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "load conversation", err)
	}

	chain := []models.Conversation{*conv}
	seen := map[int64]bool{conv.ID: true}
	for conv.ParentConversationID != nil {
		parentID := *conv.ParentConversationID
		if seen[parentID] {
			break
		}
		parent, err := e.store.GetConversation(ctx, parentID)
		if errors.Is(err, db.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "load ancestor", err)
		}
		chain = append(chain, *parent)
		seen[parent.ID] = true
		conv = parent
	}
	return chain, nil
}
