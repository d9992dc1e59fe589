package timeline

import (
	"context"

	"github.com/agentworkforce/relaytimeline/internal/identity"
)

// Backend is the transactional store behind the service. Every service
// operation runs inside exactly one WithinTx call; returning an error from fn
// rolls back everything fn wrote.
type Backend interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Name() string
	Close() error
}

// Tx is the set of store operations available inside a transaction. Timeline
// events can only be appended and read; there is no method to
// update or delete one.
type Tx interface {
	GetBrand(ctx context.Context, brandID string) (Brand, error)
	PutBrand(ctx context.Context, brand Brand) error
	GetChannel(ctx context.Context, channelID string) (Channel, error)
	PutChannel(ctx context.Context, channel Channel) error

	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	// LockConversation is GetConversation plus a row lock held until the
	// transaction ends, serializing writers on the same conversation.
	LockConversation(ctx context.Context, conversationID string) (Conversation, error)
	// CreateConversation inserts conversation unless its id is already taken,
	// possibly by a concurrent writer, and returns the stored row either way.
	CreateConversation(ctx context.Context, conversation Conversation) (Conversation, error)

	FindContactByIdentity(ctx context.Context, orgID string, identityType identity.Type, normalizedValue string) (contactID string, found bool, err error)
	// CreateContact inserts contact and, when ident is non-nil, claims the
	// identity for it. If a concurrent writer claimed the same identity first,
	// the new contact is discarded and the winner's id is returned.
	CreateContact(ctx context.Context, contact Contact, ident *ContactIdentity) (contactID string, err error)
	EnsureContactBrand(ctx context.Context, contactID, brandID string) error
	EnsureConversationContact(ctx context.Context, conversationID, contactID string) error

	// AppendEvent stores event and returns it with Seq assigned.
	AppendEvent(ctx context.Context, event TimelineEvent) (TimelineEvent, error)
	// LastEventID returns the id of the latest event by (timestamp, seq), or
	// "" when the conversation has none.
	LastEventID(ctx context.Context, conversationID string) (string, error)
	FindEventBySource(ctx context.Context, channelID, sourceID string) (TimelineEvent, bool, error)
	ListEvents(ctx context.Context, conversationID string) ([]TimelineEvent, error)

	GetReplyLock(ctx context.Context, conversationID string) (ReplyLock, bool, error)
	UpsertReplyLock(ctx context.Context, lock ReplyLock) error
	DeleteReplyLock(ctx context.Context, conversationID string) error
}
