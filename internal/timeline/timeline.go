package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relaytimeline/internal/envelope"
	"github.com/agentworkforce/relaytimeline/internal/identity"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrCrossBrandAccess = errors.New("cross-brand access denied")
	ErrInvalidInput     = errors.New("invalid input")
	ErrRevisionConflict = errors.New("stale timeline view")
	ErrLockHeld         = errors.New("reply lock held")
	ErrNotLockOwner     = errors.New("reply lock not owned")
	ErrLockMissing      = errors.New("reply lock missing")
	ErrDuplicateEvent   = errors.New("duplicate event source")
	ErrNotImplemented   = errors.New("not implemented")
)

// ConflictError reports that the caller's last observed event id is stale.
type ConflictError struct {
	ExpectedLastEventID string
	CurrentLastEventID  string
}

func (e *ConflictError) Error() string {
	return "stale timeline view"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// LockHeldError reports an unexpired reply lock owned by another user.
type LockHeldError struct {
	LockedByUserID string
	ExpiresAt      time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("reply lock held by %s until %s", e.LockedByUserID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *LockHeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// LockOwnershipError reports an operation by a user who does not hold the lock.
type LockOwnershipError struct {
	UserID         string
	LockedByUserID string
}

func (e *LockOwnershipError) Error() string {
	if e.LockedByUserID == "" {
		return fmt.Sprintf("reply lock not held by %s", e.UserID)
	}
	return fmt.Sprintf("reply lock held by %s, not %s", e.LockedByUserID, e.UserID)
}

func (e *LockOwnershipError) Is(target error) bool {
	return target == ErrNotLockOwner
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Platform string

const (
	PlatformEmail    Platform = "EMAIL"
	PlatformLinkedIn Platform = "LINKEDIN"
	PlatformX        Platform = "X"
	PlatformWhatsApp Platform = "WHATSAPP"
	PlatformPhone    Platform = "PHONE"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformEmail, PlatformLinkedIn, PlatformX, PlatformWhatsApp, PlatformPhone:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventMessage EventType = "MESSAGE"
	EventPost    EventType = "POST"
	EventComment EventType = "COMMENT"
)

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

const (
	DefaultPrimaryRole  = "unknown"
	ScopeBrandVisible   = "BRAND_VISIBLE"
	ChannelStatusActive = "ACTIVE"

	DefaultReplyLockTTL = 45 * time.Second
)

type Brand struct {
	ID    string `json:"id"`
	OrgID string `json:"orgId"`
	Name  string `json:"name"`
}

type Channel struct {
	ID          string         `json:"id"`
	BrandID     string         `json:"brandId"`
	Platform    Platform       `json:"platform"`
	Nickname    string         `json:"nickname,omitempty"`
	Status      string         `json:"status"`
	Credentials *envelope.Blob `json:"credentials,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	BrandID   string    `json:"brandId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Contact struct {
	ID          string `json:"id"`
	OrgID       string `json:"orgId"`
	PrimaryRole string `json:"primaryRole"`
	Scope       string `json:"scope"`
}

type ContactIdentity struct {
	OrgID           string        `json:"orgId"`
	ContactID       string        `json:"contactId"`
	Type            identity.Type `json:"type"`
	Value           string        `json:"value"`
	NormalizedValue string        `json:"normalizedValue"`
}

// TimelineEvent is one immutable ledger entry. Seq is assigned by the backend
// on append and breaks timestamp ties.
type TimelineEvent struct {
	ID             string        `json:"id"`
	Seq            int64         `json:"seq"`
	BrandID        string        `json:"brandId"`
	ConversationID string        `json:"conversationId"`
	ContactID      string        `json:"contactId,omitempty"`
	ChannelID      string        `json:"channelId"`
	Platform       Platform      `json:"platform"`
	Type           EventType     `json:"type"`
	Direction      Direction     `json:"direction"`
	Timestamp      time.Time     `json:"timestamp"`
	SourceID       string        `json:"sourceId,omitempty"`
	Signature      string        `json:"signature,omitempty"`
	Content        envelope.Blob `json:"contentEncrypted"`
	RawPayload     envelope.Blob `json:"rawPayloadEncrypted"`
}

// after reports whether e sorts after other in timeline order.
func (e TimelineEvent) after(other TimelineEvent) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.After(other.Timestamp)
	}
	return e.Seq > other.Seq
}

type ReplyLock struct {
	ConversationID string    `json:"conversationId"`
	BrandID        string    `json:"brandId"`
	LockedByUserID string    `json:"lockedByUserId"`
	LastEventID    string    `json:"lastEventId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func (l ReplyLock) activeAt(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

type InboundRequest struct {
	BrandID        string
	ChannelID      string
	Platform       Platform
	Type           EventType
	Timestamp      time.Time
	ConversationID string
	ActorIdentity  *identity.Identity
	SourceID       string
	Content        any
	RawPayload     any
}

type InboundResult struct {
	ConversationID  string `json:"conversationId"`
	TimelineEventID string `json:"timelineEventId"`
	ContactID       string `json:"contactId"`
}

type OutboundRequest struct {
	BrandID        string
	ChannelID      string
	Platform       Platform
	ConversationID string
	Type           EventType
	Timestamp      time.Time
	Signature      string
	SourceID       string
	Content        any
	RawPayload     any
	// RequireLockHolder, when set, makes the append conditional on this user
	// holding the live reply lock for the conversation.
	RequireLockHolder string
}

type OutboundResult struct {
	TimelineEventID string `json:"timelineEventId"`
}

type AcquireReason string

const (
	AcquireConflict AcquireReason = "conflict"
	AcquireLocked   AcquireReason = "locked"
)

type AcquireRequest struct {
	BrandID        string
	ConversationID string
	UserID         string
	LastEventID    string
	TTL            time.Duration
}

type AcquireResult struct {
	OK                 bool          `json:"ok"`
	ConversationID     string        `json:"conversationId,omitempty"`
	Reason             AcquireReason `json:"reason,omitempty"`
	LockedByUserID     string        `json:"lockedByUserId,omitempty"`
	ExpiresAt          *time.Time    `json:"expiresAt,omitempty"`
	CurrentLastEventID *string       `json:"currentLastEventId,omitempty"`
}

// Err converts a refused acquisition into its typed error; nil when OK.
func (r AcquireResult) Err() error {
	switch r.Reason {
	case AcquireConflict:
		current := ""
		if r.CurrentLastEventID != nil {
			current = *r.CurrentLastEventID
		}
		return &ConflictError{CurrentLastEventID: current}
	case AcquireLocked:
		var expires time.Time
		if r.ExpiresAt != nil {
			expires = *r.ExpiresAt
		}
		return &LockHeldError{LockedByUserID: r.LockedByUserID, ExpiresAt: expires}
	default:
		return nil
	}
}

type ReleaseReason string

const (
	ReleaseMissing  ReleaseReason = "missing"
	ReleaseNotOwner ReleaseReason = "not_owner"
)

type ReleaseRequest struct {
	BrandID        string
	ConversationID string
	UserID         string
}

type ReleaseResult struct {
	OK     bool          `json:"ok"`
	Reason ReleaseReason `json:"reason,omitempty"`
}

func (r ReleaseResult) Err() error {
	switch r.Reason {
	case ReleaseMissing:
		return ErrLockMissing
	case ReleaseNotOwner:
		return ErrNotLockOwner
	default:
		return nil
	}
}

// EventView is a decrypted timeline event.
type EventView struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	ContactID      string          `json:"contactId,omitempty"`
	ChannelID      string          `json:"channelId"`
	Platform       Platform        `json:"platform"`
	Type           EventType       `json:"type"`
	Direction      Direction       `json:"direction"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceID       string          `json:"sourceId,omitempty"`
	Signature      string          `json:"signature,omitempty"`
	Content        json.RawMessage `json:"content"`
}

type ConversationView struct {
	ConversationID string      `json:"conversationId"`
	BrandID        string      `json:"brandId"`
	LastEventID    string      `json:"lastEventId"`
	Events         []EventView `json:"events"`
	Lock           *ReplyLock  `json:"lock,omitempty"`
}
