package timeline

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// AcquireReplyLock grants userID the reply lock on a conversation when the
// caller's lastEventID still matches the conversation's latest event and no
// other unexpired lock exists. Refusals are returned as a result with a
// Reason, not as an error.
func (s *Service) AcquireReplyLock(ctx context.Context, req AcquireRequest) (result AcquireResult, err error) {
	ctx, span := s.startSpan(ctx, "timeline.AcquireReplyLock",
		attribute.String("brand_id", req.BrandID),
		attribute.String("conversation_id", req.ConversationID),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("lock.ok", result.OK), attribute.String("lock.reason", string(result.Reason)))
		endSpan(span, err)
	}()

	if strings.TrimSpace(req.BrandID) == "" || strings.TrimSpace(req.ConversationID) == "" {
		return AcquireResult{}, invalidf("brandId and conversationId are required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return AcquireResult{}, invalidf("userId is required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.lockTTL
	}

	err = s.backend.WithinTx(ctx, func(tx Tx) error {
		conversation, err := tx.LockConversation(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		if conversation.BrandID != req.BrandID {
			return ErrCrossBrandAccess
		}

		current, err := tx.LastEventID(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		if current != req.LastEventID {
			result = AcquireResult{Reason: AcquireConflict, CurrentLastEventID: &current}
			return nil
		}

		now := s.now().UTC()
		existing, found, err := tx.GetReplyLock(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		if found && existing.activeAt(now) {
			expires := existing.ExpiresAt
			result = AcquireResult{
				Reason:         AcquireLocked,
				LockedByUserID: existing.LockedByUserID,
				ExpiresAt:      &expires,
			}
			return nil
		}

		expires := now.Add(ttl)
		if err := tx.UpsertReplyLock(ctx, ReplyLock{
			ConversationID: req.ConversationID,
			BrandID:        req.BrandID,
			LockedByUserID: req.UserID,
			LastEventID:    req.LastEventID,
			ExpiresAt:      expires,
		}); err != nil {
			return err
		}
		result = AcquireResult{OK: true, ConversationID: req.ConversationID, ExpiresAt: &expires}
		return nil
	})
	if err != nil {
		s.logFailure(ctx, "acquire reply lock", err, "brand_id", req.BrandID, "conversation_id", req.ConversationID)
		return AcquireResult{}, err
	}
	s.logger.DebugContext(ctx, "reply lock acquire",
		"brand_id", req.BrandID,
		"conversation_id", req.ConversationID,
		"user_id", req.UserID,
		"ok", result.OK,
		"reason", string(result.Reason),
	)
	return result, nil
}

// ReleaseReplyLock deletes the conversation's lock when userID owns it.
// Expired locks can still be released by their owner.
func (s *Service) ReleaseReplyLock(ctx context.Context, req ReleaseRequest) (result ReleaseResult, err error) {
	ctx, span := s.startSpan(ctx, "timeline.ReleaseReplyLock",
		attribute.String("brand_id", req.BrandID),
		attribute.String("conversation_id", req.ConversationID),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("lock.ok", result.OK), attribute.String("lock.reason", string(result.Reason)))
		endSpan(span, err)
	}()

	if strings.TrimSpace(req.ConversationID) == "" || strings.TrimSpace(req.UserID) == "" {
		return ReleaseResult{}, invalidf("conversationId and userId are required")
	}

	err = s.backend.WithinTx(ctx, func(tx Tx) error {
		existing, found, err := tx.GetReplyLock(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		if !found {
			result = ReleaseResult{Reason: ReleaseMissing}
			return nil
		}
		if req.BrandID != "" && existing.BrandID != req.BrandID {
			return ErrCrossBrandAccess
		}
		if existing.LockedByUserID != req.UserID {
			result = ReleaseResult{Reason: ReleaseNotOwner}
			return nil
		}
		if err := tx.DeleteReplyLock(ctx, req.ConversationID); err != nil {
			return err
		}
		result = ReleaseResult{OK: true}
		return nil
	})
	if err != nil {
		s.logFailure(ctx, "release reply lock", err, "conversation_id", req.ConversationID)
		return ReleaseResult{}, err
	}
	s.logger.DebugContext(ctx, "reply lock release",
		"conversation_id", req.ConversationID,
		"user_id", req.UserID,
		"ok", result.OK,
		"reason", string(result.Reason),
	)
	return result, nil
}
