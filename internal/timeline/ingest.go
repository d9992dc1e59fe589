package timeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworkforce/relaytimeline/internal/identity"
)

// Event times are stored as unix nanoseconds, which bounds the
// representable range to roughly 1677-09-21 through 2262-04-11.
var (
	minTimestamp = time.Unix(0, math.MinInt64).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

func checkTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return invalidf("timestamp is required")
	}
	if ts.Before(minTimestamp) || ts.After(maxTimestamp) {
		return invalidf("timestamp %s is outside the supported range", ts.UTC().Format(time.RFC3339))
	}
	return nil
}

func validateInbound(req InboundRequest) error {
	if strings.TrimSpace(req.BrandID) == "" {
		return invalidf("brandId is required")
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		return invalidf("channelId is required")
	}
	if !req.Platform.Valid() {
		return invalidf("unknown platform %q", req.Platform)
	}
	switch req.Type {
	case EventMessage, EventPost, EventComment:
	default:
		return invalidf("event type %q not allowed for inbound", req.Type)
	}
	if err := checkTimestamp(req.Timestamp); err != nil {
		return err
	}
	if req.ActorIdentity != nil {
		if _, err := req.ActorIdentity.Normalized(); err != nil {
			return fmt.Errorf("%w: actor identity: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// IngestInbound resolves the conversation and contact for an inbound
// communication and appends one INBOUND event, all in a single transaction.
func (s *Service) IngestInbound(ctx context.Context, req InboundRequest) (result InboundResult, err error) {
	ctx, span := s.startSpan(ctx, "timeline.IngestInbound",
		attribute.String("brand_id", req.BrandID),
		attribute.String("channel_id", req.ChannelID),
	)
	defer func() { endSpan(span, err) }()

	if err := validateInbound(req); err != nil {
		return InboundResult{}, err
	}

	var appended *TimelineEvent
	err = s.backend.WithinTx(ctx, func(tx Tx) error {
		brand, err := tx.GetBrand(ctx, req.BrandID)
		if err != nil {
			return err
		}
		if _, err := checkChannel(ctx, tx, req.BrandID, req.ChannelID); err != nil {
			return err
		}
		if req.SourceID != "" {
			prior, found, err := tx.FindEventBySource(ctx, req.ChannelID, req.SourceID)
			if err != nil {
				return err
			}
			if found {
				result = InboundResult{
					ConversationID:  prior.ConversationID,
					TimelineEventID: prior.ID,
					ContactID:       prior.ContactID,
				}
				return nil
			}
		}

		conversationID, err := s.resolveConversation(ctx, tx, req.BrandID, req.ConversationID)
		if err != nil {
			return err
		}
		contactID, err := s.resolveContact(ctx, tx, brand, req.ActorIdentity)
		if err != nil {
			return err
		}
		if err := tx.EnsureConversationContact(ctx, conversationID, contactID); err != nil {
			return err
		}

		content, raw, err := s.sealPair(req.Content, req.RawPayload)
		if err != nil {
			return err
		}
		event, err := tx.AppendEvent(ctx, TimelineEvent{
			ID:             s.newID(),
			BrandID:        req.BrandID,
			ConversationID: conversationID,
			ContactID:      contactID,
			ChannelID:      req.ChannelID,
			Platform:       req.Platform,
			Type:           req.Type,
			Direction:      DirectionInbound,
			Timestamp:      req.Timestamp.UTC(),
			SourceID:       req.SourceID,
			Content:        content,
			RawPayload:     raw,
		})
		if err != nil {
			return err
		}
		appended = &event
		result = InboundResult{
			ConversationID:  conversationID,
			TimelineEventID: event.ID,
			ContactID:       contactID,
		}
		return nil
	})
	if err != nil {
		s.logFailure(ctx, "ingest inbound", err, "brand_id", req.BrandID, "channel_id", req.ChannelID)
		return InboundResult{}, err
	}
	if appended == nil {
		s.logger.DebugContext(ctx, "inbound replay", "brand_id", req.BrandID, "source_id", req.SourceID, "event_id", result.TimelineEventID)
		return result, nil
	}
	s.logger.DebugContext(ctx, "inbound event appended",
		"brand_id", req.BrandID,
		"conversation_id", result.ConversationID,
		"contact_id", result.ContactID,
		"event_id", result.TimelineEventID,
	)
	s.notify(*appended)
	return result, nil
}

// resolveConversation reuses conversationID when it exists for brandID and
// otherwise creates it. An empty conversationID gets a generated id.
func (s *Service) resolveConversation(ctx context.Context, tx Tx, brandID, conversationID string) (string, error) {
	if conversationID != "" {
		existing, err := tx.GetConversation(ctx, conversationID)
		if err == nil {
			if existing.BrandID != brandID {
				return "", ErrCrossBrandAccess
			}
			return existing.ID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	} else {
		conversationID = s.newID()
	}
	stored, err := tx.CreateConversation(ctx, Conversation{
		ID:        conversationID,
		BrandID:   brandID,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if stored.BrandID != brandID {
		return "", ErrCrossBrandAccess
	}
	return stored.ID, nil
}

// resolveContact returns the contact owning actor's normalized identity in
// the brand's org, creating one when none exists. A nil actor always yields a
// new contact.
func (s *Service) resolveContact(ctx context.Context, tx Tx, brand Brand, actor *identity.Identity) (string, error) {
	var claim *ContactIdentity
	if actor != nil {
		normalized, err := actor.Normalized()
		if err != nil {
			return "", fmt.Errorf("%w: actor identity: %v", ErrInvalidInput, err)
		}
		contactID, found, err := tx.FindContactByIdentity(ctx, brand.OrgID, actor.Type, normalized)
		if err != nil {
			return "", err
		}
		if found {
			if err := tx.EnsureContactBrand(ctx, contactID, brand.ID); err != nil {
				return "", err
			}
			return contactID, nil
		}
		claim = &ContactIdentity{
			OrgID:           brand.OrgID,
			Type:            actor.Type,
			Value:           actor.Value,
			NormalizedValue: normalized,
		}
	}

	contactID, err := tx.CreateContact(ctx, Contact{
		ID:          s.newID(),
		OrgID:       brand.OrgID,
		PrimaryRole: DefaultPrimaryRole,
		Scope:       ScopeBrandVisible,
	}, claim)
	if err != nil {
		return "", err
	}
	if err := tx.EnsureContactBrand(ctx, contactID, brand.ID); err != nil {
		return "", err
	}
	return contactID, nil
}

func validateOutbound(req OutboundRequest) error {
	if strings.TrimSpace(req.BrandID) == "" {
		return invalidf("brandId is required")
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		return invalidf("channelId is required")
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return invalidf("conversationId is required")
	}
	if !req.Platform.Valid() {
		return invalidf("unknown platform %q", req.Platform)
	}
	switch req.Type {
	case EventMessage, EventComment:
	default:
		return invalidf("event type %q not allowed for outbound", req.Type)
	}
	if err := checkTimestamp(req.Timestamp); err != nil {
		return err
	}
	if strings.TrimSpace(req.Signature) == "" {
		return invalidf("signature is required")
	}
	return nil
}

// IngestOutboundReply appends one OUTBOUND event to an existing conversation
// of the request's brand. The signature is stored verbatim.
func (s *Service) IngestOutboundReply(ctx context.Context, req OutboundRequest) (result OutboundResult, err error) {
	ctx, span := s.startSpan(ctx, "timeline.IngestOutboundReply",
		attribute.String("brand_id", req.BrandID),
		attribute.String("conversation_id", req.ConversationID),
	)
	defer func() { endSpan(span, err) }()

	if err := validateOutbound(req); err != nil {
		return OutboundResult{}, err
	}

	var appended *TimelineEvent
	err = s.backend.WithinTx(ctx, func(tx Tx) error {
		conversation, err := tx.LockConversation(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		if conversation.BrandID != req.BrandID {
			return ErrCrossBrandAccess
		}
		if _, err := checkChannel(ctx, tx, req.BrandID, req.ChannelID); err != nil {
			return err
		}
		if req.SourceID != "" {
			prior, found, err := tx.FindEventBySource(ctx, req.ChannelID, req.SourceID)
			if err != nil {
				return err
			}
			if found {
				if prior.ConversationID != req.ConversationID {
					return fmt.Errorf("source %s already recorded on conversation %s: %w", req.SourceID, prior.ConversationID, ErrDuplicateEvent)
				}
				result = OutboundResult{TimelineEventID: prior.ID}
				return nil
			}
		}
		if req.RequireLockHolder != "" {
			if err := s.checkLockHolder(ctx, tx, req.ConversationID, req.RequireLockHolder); err != nil {
				return err
			}
		}

		content, raw, err := s.sealPair(req.Content, req.RawPayload)
		if err != nil {
			return err
		}
		event, err := tx.AppendEvent(ctx, TimelineEvent{
			ID:             s.newID(),
			BrandID:        req.BrandID,
			ConversationID: req.ConversationID,
			ChannelID:      req.ChannelID,
			Platform:       req.Platform,
			Type:           req.Type,
			Direction:      DirectionOutbound,
			Timestamp:      req.Timestamp.UTC(),
			SourceID:       req.SourceID,
			Signature:      req.Signature,
			Content:        content,
			RawPayload:     raw,
		})
		if err != nil {
			return err
		}
		appended = &event
		result = OutboundResult{TimelineEventID: event.ID}
		return nil
	})
	if err != nil {
		s.logFailure(ctx, "ingest outbound", err, "brand_id", req.BrandID, "conversation_id", req.ConversationID)
		return OutboundResult{}, err
	}
	if appended != nil {
		s.logger.DebugContext(ctx, "outbound event appended",
			"brand_id", req.BrandID,
			"conversation_id", req.ConversationID,
			"event_id", result.TimelineEventID,
		)
		s.notify(*appended)
	}
	return result, nil
}

func (s *Service) checkLockHolder(ctx context.Context, tx Tx, conversationID, userID string) error {
	lock, found, err := tx.GetReplyLock(ctx, conversationID)
	if err != nil {
		return err
	}
	if !found || !lock.activeAt(s.now()) {
		return &LockOwnershipError{UserID: userID}
	}
	if lock.LockedByUserID != userID {
		return &LockOwnershipError{UserID: userID, LockedByUserID: lock.LockedByUserID}
	}
	return nil
}
