package timeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// ConversationTimeline returns the decrypted events of a conversation in
// timeline order together with the current fencing token and any live lock.
func (s *Service) ConversationTimeline(ctx context.Context, brandID, conversationID string) (view ConversationView, err error) {
	ctx, span := s.startSpan(ctx, "timeline.ConversationTimeline",
		attribute.String("brand_id", brandID),
		attribute.String("conversation_id", conversationID),
	)
	defer func() { endSpan(span, err) }()

	var (
		events []TimelineEvent
		lock   *ReplyLock
	)
	err = s.backend.WithinTx(ctx, func(tx Tx) error {
		conversation, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conversation.BrandID != brandID {
			return ErrCrossBrandAccess
		}
		events, err = tx.ListEvents(ctx, conversationID)
		if err != nil {
			return err
		}
		current, found, err := tx.GetReplyLock(ctx, conversationID)
		if err != nil {
			return err
		}
		if found && current.activeAt(s.now()) {
			lock = &current
		}
		return nil
	})
	if err != nil {
		return ConversationView{}, err
	}

	view = ConversationView{
		ConversationID: conversationID,
		BrandID:        brandID,
		Events:         make([]EventView, 0, len(events)),
		Lock:           lock,
	}
	for _, ev := range events {
		content, err := s.sealer.Open(ev.Content)
		if err != nil {
			s.logFailure(ctx, "open event content", err, "event_id", ev.ID)
			return ConversationView{}, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		view.Events = append(view.Events, EventView{
			ID:             ev.ID,
			ConversationID: ev.ConversationID,
			ContactID:      ev.ContactID,
			ChannelID:      ev.ChannelID,
			Platform:       ev.Platform,
			Type:           ev.Type,
			Direction:      ev.Direction,
			Timestamp:      ev.Timestamp,
			SourceID:       ev.SourceID,
			Signature:      ev.Signature,
			Content:        content,
		})
	}
	if n := len(events); n > 0 {
		view.LastEventID = events[n-1].ID
	}
	return view, nil
}

// CheckConversation reports whether conversationID exists and belongs to
// brandID.
func (s *Service) CheckConversation(ctx context.Context, brandID, conversationID string) error {
	return s.backend.WithinTx(ctx, func(tx Tx) error {
		conversation, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conversation.BrandID != brandID {
			return ErrCrossBrandAccess
		}
		return nil
	})
}
