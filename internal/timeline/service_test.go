package timeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaytimeline/internal/envelope"
	"github.com/agentworkforce/relaytimeline/internal/identity"
)

const testPostgresDSNEnv = "RELAYTIMELINE_TEST_POSTGRES_DSN"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSealer() *envelope.Service {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", envelope.KeySize)))
	return envelope.NewService(envelope.StaticKeySource(key))
}

type backendCase struct {
	name string
	open func(t *testing.T) Backend
}

func testBackends(t *testing.T) []backendCase {
	t.Helper()
	cases := []backendCase{
		{name: "memory", open: func(t *testing.T) Backend { return NewMemoryBackend() }},
		{name: "file", open: func(t *testing.T) Backend {
			backend, err := NewJSONFileBackend(filepath.Join(t.TempDir(), "timeline.json"))
			require.NoError(t, err)
			return backend
		}},
		{name: "sqlite", open: func(t *testing.T) Backend {
			backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "timeline.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = backend.Close() })
			return backend
		}},
	}
	if dsn := strings.TrimSpace(os.Getenv(testPostgresDSNEnv)); dsn != "" {
		cases = append(cases, backendCase{name: "postgres", open: func(t *testing.T) Backend {
			backend, err := NewPostgresBackend(dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = backend.Close() })
			return backend
		}})
	}
	return cases
}

// fixture is a service over one backend with two provisioned brands in the
// same org. Ids carry a per-fixture prefix so a shared Postgres database can
// be reused across runs.
type fixture struct {
	svc     *Service
	backend Backend
	clock   *fakeClock
	appends []TimelineEvent
	mu      sync.Mutex

	prefix         string
	orgID          string
	brandID        string
	otherBrandID   string
	channelID      string
	otherChannelID string
}

func newFixture(t *testing.T, backend Backend) *fixture {
	t.Helper()
	f := &fixture{
		backend: backend,
		clock:   newFakeClock(),
		prefix:  strings.ReplaceAll(uuid.NewString()[:8], "-", ""),
	}
	var seq atomic.Int64
	f.svc = NewService(backend, testSealer(), ServiceOptions{
		Now:   f.clock.Now,
		NewID: func() string { return fmt.Sprintf("%s_%d", f.prefix, seq.Add(1)) },
		OnAppend: func(ev TimelineEvent) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.appends = append(f.appends, ev)
		},
	})
	f.orgID = f.id("org")
	f.brandID = f.id("brand")
	f.otherBrandID = f.id("brand_other")
	f.channelID = f.id("channel")
	f.otherChannelID = f.id("channel_other")

	ctx := context.Background()
	for _, brandID := range []string{f.brandID, f.otherBrandID} {
		_, err := f.svc.PutBrand(ctx, Brand{ID: brandID, OrgID: f.orgID, Name: brandID})
		require.NoError(t, err)
	}
	_, err := f.svc.PutChannel(ctx, ChannelInput{
		ID:          f.channelID,
		BrandID:     f.brandID,
		Platform:    PlatformEmail,
		Credentials: map[string]string{"smtpPassword": "hunter2"},
	})
	require.NoError(t, err)
	_, err = f.svc.PutChannel(ctx, ChannelInput{ID: f.otherChannelID, BrandID: f.otherBrandID, Platform: PlatformEmail})
	require.NoError(t, err)
	return f
}

func (f *fixture) id(name string) string {
	return f.prefix + "_" + name
}

func (f *fixture) inbound(mutators ...func(*InboundRequest)) InboundRequest {
	req := InboundRequest{
		BrandID:    f.brandID,
		ChannelID:  f.channelID,
		Platform:   PlatformEmail,
		Type:       EventMessage,
		Timestamp:  f.clock.Now(),
		Content:    map[string]any{"text": "hello"},
		RawPayload: map[string]any{"headers": map[string]string{"subject": "hi"}},
	}
	for _, mutate := range mutators {
		mutate(&req)
	}
	return req
}

func (f *fixture) outbound(conversationID string, mutators ...func(*OutboundRequest)) OutboundRequest {
	req := OutboundRequest{
		BrandID:        f.brandID,
		ChannelID:      f.channelID,
		Platform:       PlatformEmail,
		ConversationID: conversationID,
		Type:           EventMessage,
		Timestamp:      f.clock.Now(),
		Signature:      "-- Alice, Support",
		Content:        map[string]any{"text": "thanks for reaching out"},
		RawPayload:     map[string]any{"to": "a@b.com"},
	}
	for _, mutate := range mutators {
		mutate(&req)
	}
	return req
}

func (f *fixture) appended() []TimelineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TimelineEvent(nil), f.appends...)
}

func eachBackend(t *testing.T, run func(t *testing.T, f *fixture)) {
	t.Helper()
	for _, tc := range testBackends(t) {
		t.Run(tc.name, func(t *testing.T) {
			run(t, newFixture(t, tc.open(t)))
		})
	}
}

func withIdentity(t identity.Type, value string) func(*InboundRequest) {
	return func(req *InboundRequest) {
		req.ActorIdentity = &identity.Identity{Type: t, Value: value}
	}
}

func TestInboundDeduplicatesContactByNormalizedIdentity(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		first, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeEmail, "A@b.com")))
		require.NoError(t, err)
		second, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeEmail, " a@b.com ")))
		require.NoError(t, err)

		assert.Equal(t, first.ContactID, second.ContactID)
		assert.NotEqual(t, first.ConversationID, second.ConversationID)
		assert.NotEqual(t, first.TimelineEventID, second.TimelineEventID)

		// Same identity seen through the other brand of the org.
		third, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeEmail, "a@B.COM"), func(req *InboundRequest) {
			req.BrandID = f.otherBrandID
			req.ChannelID = f.otherChannelID
		}))
		require.NoError(t, err)
		assert.Equal(t, first.ContactID, third.ContactID)

		phone, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypePhone, "+1 (555) 123-4567")))
		require.NoError(t, err)
		samePhone, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypePhone, "+15551234567")))
		require.NoError(t, err)
		assert.Equal(t, phone.ContactID, samePhone.ContactID)
		assert.NotEqual(t, first.ContactID, phone.ContactID)
	})
}

func TestInboundWithoutIdentityAlwaysCreatesContact(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		first, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)
		second, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)
		assert.NotEqual(t, first.ContactID, second.ContactID)
	})
}

func TestInboundIdentityCaseMattersOutsideEmail(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		upper, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeLinkedIn, "Alice")))
		require.NoError(t, err)
		lower, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeLinkedIn, " alice ")))
		require.NoError(t, err)
		assert.NotEqual(t, upper.ContactID, lower.ContactID)
	})
}

func TestInboundConversationResolution(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		threadID := f.id("thread")

		created, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.ConversationID = threadID }))
		require.NoError(t, err)
		assert.Equal(t, threadID, created.ConversationID)

		reused, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.ConversationID = threadID }))
		require.NoError(t, err)
		assert.Equal(t, threadID, reused.ConversationID)

		view, err := f.svc.ConversationTimeline(ctx, f.brandID, threadID)
		require.NoError(t, err)
		assert.Len(t, view.Events, 2)

		_, err = f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) {
			req.BrandID = f.otherBrandID
			req.ChannelID = f.otherChannelID
			req.ConversationID = threadID
		}))
		require.ErrorIs(t, err, ErrCrossBrandAccess)
	})
}

func TestConcurrentInboundSharesNewConversation(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		threadID := f.id("race")
		const writers = 8

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.ConversationID = threadID }))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		view, err := f.svc.ConversationTimeline(ctx, f.brandID, threadID)
		require.NoError(t, err)
		assert.Len(t, view.Events, writers)
	})
}

// unseenConversationTx hides existing conversations from lookups, the way a
// writer sees the table just before a concurrent insert commits.
type unseenConversationTx struct {
	Tx
}

func (unseenConversationTx) GetConversation(context.Context, string) (Conversation, error) {
	return Conversation{}, ErrNotFound
}

func TestResolveConversationChecksBrandOfConcurrentInsert(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.ConversationID = f.id("thread") }))
		require.NoError(t, err)

		err = f.backend.WithinTx(ctx, func(tx Tx) error {
			_, err := f.svc.resolveConversation(ctx, unseenConversationTx{tx}, f.otherBrandID, in.ConversationID)
			return err
		})
		require.ErrorIs(t, err, ErrCrossBrandAccess)

		err = f.backend.WithinTx(ctx, func(tx Tx) error {
			id, err := f.svc.resolveConversation(ctx, unseenConversationTx{tx}, f.brandID, in.ConversationID)
			assert.Equal(t, in.ConversationID, id)
			return err
		})
		require.NoError(t, err)
	})
}

func TestInboundRejectsUnknownBrandForeignChannelAndBadInput(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		_, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.BrandID = f.id("missing") }))
		require.ErrorIs(t, err, ErrNotFound)

		_, err = f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.ChannelID = f.otherChannelID }))
		require.ErrorIs(t, err, ErrCrossBrandAccess)

		invalid := []func(*InboundRequest){
			func(req *InboundRequest) { req.Type = "REACTION" },
			func(req *InboundRequest) { req.Platform = "FAX" },
			func(req *InboundRequest) { req.Timestamp = time.Time{} },
			func(req *InboundRequest) { req.Timestamp = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC) },
			func(req *InboundRequest) { req.Timestamp = time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC) },
			withIdentity(identity.TypeEmail, "   "),
			withIdentity("PAGER", "123"),
		}
		for i, mutate := range invalid {
			_, err := f.svc.IngestInbound(ctx, f.inbound(mutate))
			require.ErrorIs(t, err, ErrInvalidInput, "case %d", i)
		}
		assert.Empty(t, f.appended())
	})
}

func TestInboundSourceIDReplayIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		req := f.inbound(withIdentity(identity.TypeEmail, "a@b.com"), func(req *InboundRequest) { req.SourceID = "msg-1" })

		first, err := f.svc.IngestInbound(ctx, req)
		require.NoError(t, err)
		replay, err := f.svc.IngestInbound(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first, replay)

		view, err := f.svc.ConversationTimeline(ctx, f.brandID, first.ConversationID)
		require.NoError(t, err)
		require.Len(t, view.Events, 1)
		assert.Equal(t, "msg-1", view.Events[0].SourceID)
		assert.Len(t, f.appended(), 1)

		// The same source id on another channel is a different message.
		other, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) {
			req.BrandID = f.otherBrandID
			req.ChannelID = f.otherChannelID
			req.SourceID = "msg-1"
		}))
		require.NoError(t, err)
		assert.NotEqual(t, first.TimelineEventID, other.TimelineEventID)
	})
}

func TestAcquireConflictReturnsCurrentLastEventID(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		result, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{
			BrandID:        f.brandID,
			ConversationID: in.ConversationID,
			UserID:         "user_a",
			LastEventID:    "stale",
		})
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, AcquireConflict, result.Reason)
		require.NotNil(t, result.CurrentLastEventID)
		assert.Equal(t, in.TimelineEventID, *result.CurrentLastEventID)

		var conflict *ConflictError
		require.ErrorAs(t, result.Err(), &conflict)
		assert.Equal(t, in.TimelineEventID, conflict.CurrentLastEventID)
		assert.ErrorIs(t, result.Err(), ErrRevisionConflict)
	})
}

func TestAcquireMutualExclusionAndExpiry(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		acquire := func(user string) AcquireResult {
			t.Helper()
			result, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{
				BrandID:        f.brandID,
				ConversationID: in.ConversationID,
				UserID:         user,
				LastEventID:    in.TimelineEventID,
				TTL:            45 * time.Second,
			})
			require.NoError(t, err)
			return result
		}

		start := f.clock.Now()
		granted := acquire("user_a")
		require.True(t, granted.OK)
		require.NotNil(t, granted.ExpiresAt)
		assert.True(t, granted.ExpiresAt.Equal(start.Add(45*time.Second)))

		f.clock.Advance(time.Second)
		blocked := acquire("user_b")
		assert.False(t, blocked.OK)
		assert.Equal(t, AcquireLocked, blocked.Reason)
		assert.Equal(t, "user_a", blocked.LockedByUserID)
		require.NotNil(t, blocked.ExpiresAt)
		assert.True(t, blocked.ExpiresAt.Equal(start.Add(45*time.Second)))
		assert.ErrorIs(t, blocked.Err(), ErrLockHeld)

		f.clock.Advance(45 * time.Second)
		taken := acquire("user_b")
		assert.True(t, taken.OK)

		view, err := f.svc.ConversationTimeline(ctx, f.brandID, in.ConversationID)
		require.NoError(t, err)
		require.NotNil(t, view.Lock)
		assert.Equal(t, "user_b", view.Lock.LockedByUserID)
	})
}

func TestAcquireOnEmptyConversationUsesEmptyFencingToken(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		conversationID := f.id("empty")
		err := f.backend.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.CreateConversation(ctx, Conversation{ID: conversationID, BrandID: f.brandID, CreatedAt: f.clock.Now()})
			return err
		})
		require.NoError(t, err)

		result, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{BrandID: f.brandID, ConversationID: conversationID, UserID: "user_a"})
		require.NoError(t, err)
		assert.True(t, result.OK)
	})
}

func TestAcquireChecksConversationAndBrand(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		_, err = f.svc.AcquireReplyLock(ctx, AcquireRequest{BrandID: f.brandID, ConversationID: f.id("nope"), UserID: "user_a"})
		require.ErrorIs(t, err, ErrNotFound)

		_, err = f.svc.AcquireReplyLock(ctx, AcquireRequest{
			BrandID:        f.otherBrandID,
			ConversationID: in.ConversationID,
			UserID:         "user_a",
			LastEventID:    in.TimelineEventID,
		})
		require.ErrorIs(t, err, ErrCrossBrandAccess)
	})
}

func TestConcurrentAcquireGrantsExactlyOneLock(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		const contenders = 8
		var (
			wg      sync.WaitGroup
			granted atomic.Int32
			locked  atomic.Int32
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{
					BrandID:        f.brandID,
					ConversationID: in.ConversationID,
					UserID:         fmt.Sprintf("user_%d", i),
					LastEventID:    in.TimelineEventID,
				})
				if err != nil {
					t.Errorf("acquire %d: %v", i, err)
					return
				}
				if result.OK {
					granted.Add(1)
				} else if result.Reason == AcquireLocked {
					locked.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.EqualValues(t, 1, granted.Load())
		assert.EqualValues(t, contenders-1, locked.Load())
	})
}

func TestReleaseOwnership(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		missing, err := f.svc.ReleaseReplyLock(ctx, ReleaseRequest{BrandID: f.brandID, ConversationID: in.ConversationID, UserID: "user_a"})
		require.NoError(t, err)
		assert.Equal(t, ReleaseResult{Reason: ReleaseMissing}, missing)
		assert.ErrorIs(t, missing.Err(), ErrLockMissing)

		granted, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{
			BrandID:        f.brandID,
			ConversationID: in.ConversationID,
			UserID:         "user_a",
			LastEventID:    in.TimelineEventID,
		})
		require.NoError(t, err)
		require.True(t, granted.OK)

		notOwner, err := f.svc.ReleaseReplyLock(ctx, ReleaseRequest{BrandID: f.brandID, ConversationID: in.ConversationID, UserID: "user_b"})
		require.NoError(t, err)
		assert.Equal(t, ReleaseResult{Reason: ReleaseNotOwner}, notOwner)
		assert.ErrorIs(t, notOwner.Err(), ErrNotLockOwner)

		stillLocked, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{
			BrandID:        f.brandID,
			ConversationID: in.ConversationID,
			UserID:         "user_b",
			LastEventID:    in.TimelineEventID,
		})
		require.NoError(t, err)
		assert.Equal(t, AcquireLocked, stillLocked.Reason)

		_, err = f.svc.ReleaseReplyLock(ctx, ReleaseRequest{BrandID: f.otherBrandID, ConversationID: in.ConversationID, UserID: "user_a"})
		require.ErrorIs(t, err, ErrCrossBrandAccess)

		released, err := f.svc.ReleaseReplyLock(ctx, ReleaseRequest{BrandID: f.brandID, ConversationID: in.ConversationID, UserID: "user_a"})
		require.NoError(t, err)
		assert.True(t, released.OK)
		assert.NoError(t, released.Err())

		next, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{
			BrandID:        f.brandID,
			ConversationID: in.ConversationID,
			UserID:         "user_b",
			LastEventID:    in.TimelineEventID,
		})
		require.NoError(t, err)
		assert.True(t, next.OK)
	})
}

func TestOutboundAppendsSignedEvent(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeEmail, "a@b.com")))
		require.NoError(t, err)

		out, err := f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID))
		require.NoError(t, err)

		view, err := f.svc.ConversationTimeline(ctx, f.brandID, in.ConversationID)
		require.NoError(t, err)
		require.Len(t, view.Events, 2)
		reply := view.Events[1]
		assert.Equal(t, out.TimelineEventID, reply.ID)
		assert.Equal(t, DirectionOutbound, reply.Direction)
		assert.Equal(t, "-- Alice, Support", reply.Signature)
		assert.Empty(t, reply.ContactID)
		assert.JSONEq(t, `{"text":"thanks for reaching out"}`, string(reply.Content))
		assert.Equal(t, out.TimelineEventID, view.LastEventID)
	})
}

func TestOutboundCrossBrandPersistsNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, func(req *OutboundRequest) {
			req.BrandID = f.otherBrandID
			req.ChannelID = f.otherChannelID
		}))
		require.ErrorIs(t, err, ErrCrossBrandAccess)

		view, err := f.svc.ConversationTimeline(ctx, f.brandID, in.ConversationID)
		require.NoError(t, err)
		assert.Len(t, view.Events, 1)
		assert.Len(t, f.appended(), 1)

		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(f.id("missing")))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOutboundValidation(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		invalid := []func(*OutboundRequest){
			func(req *OutboundRequest) { req.Signature = "  " },
			func(req *OutboundRequest) { req.Type = EventPost },
			func(req *OutboundRequest) { req.ConversationID = "" },
			func(req *OutboundRequest) { req.Timestamp = time.Time{} },
			func(req *OutboundRequest) { req.Timestamp = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC) },
		}
		for i, mutate := range invalid {
			_, err := f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, mutate))
			require.ErrorIs(t, err, ErrInvalidInput, "case %d", i)
		}

		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, func(req *OutboundRequest) { req.ChannelID = f.otherChannelID }))
		require.ErrorIs(t, err, ErrCrossBrandAccess)
	})
}

func TestOutboundRequireLockHolder(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)
		holder := func(user string) func(*OutboundRequest) {
			return func(req *OutboundRequest) { req.RequireLockHolder = user }
		}

		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, holder("user_a")))
		require.ErrorIs(t, err, ErrNotLockOwner)

		granted, err := f.svc.AcquireReplyLock(ctx, AcquireRequest{
			BrandID:        f.brandID,
			ConversationID: in.ConversationID,
			UserID:         "user_a",
			LastEventID:    in.TimelineEventID,
		})
		require.NoError(t, err)
		require.True(t, granted.OK)

		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, holder("user_b")))
		var ownership *LockOwnershipError
		require.ErrorAs(t, err, &ownership)
		assert.Equal(t, "user_a", ownership.LockedByUserID)

		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, holder("user_a")))
		require.NoError(t, err)

		f.clock.Advance(DefaultReplyLockTTL + time.Second)
		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, holder("user_a")))
		require.ErrorIs(t, err, ErrNotLockOwner)
	})
}

func TestOutboundSourceIDReplayIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		in, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)

		req := f.outbound(in.ConversationID, func(req *OutboundRequest) { req.SourceID = "sent-1" })
		first, err := f.svc.IngestOutboundReply(ctx, req)
		require.NoError(t, err)
		again, err := f.svc.IngestOutboundReply(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first, again)

		other, err := f.svc.IngestInbound(ctx, f.inbound())
		require.NoError(t, err)
		_, err = f.svc.IngestOutboundReply(ctx, f.outbound(other.ConversationID, func(req *OutboundRequest) { req.SourceID = "sent-1" }))
		require.ErrorIs(t, err, ErrDuplicateEvent)
	})
}

func TestTimelineOrdersByTimestampThenInsertion(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		threadID := f.id("ordered")
		at := f.clock.Now()

		late, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) {
			req.ConversationID = threadID
			req.Timestamp = at.Add(time.Minute)
		}))
		require.NoError(t, err)
		early, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) {
			req.ConversationID = threadID
			req.Timestamp = at
		}))
		require.NoError(t, err)
		tie, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) {
			req.ConversationID = threadID
			req.Timestamp = at.Add(time.Minute)
		}))
		require.NoError(t, err)

		view, err := f.svc.ConversationTimeline(ctx, f.brandID, threadID)
		require.NoError(t, err)
		ids := make([]string, 0, len(view.Events))
		for _, ev := range view.Events {
			ids = append(ids, ev.ID)
		}
		assert.Equal(t, []string{early.TimelineEventID, late.TimelineEventID, tie.TimelineEventID}, ids)
		assert.Equal(t, tie.TimelineEventID, view.LastEventID)

		_, err = f.svc.ConversationTimeline(ctx, f.otherBrandID, threadID)
		require.ErrorIs(t, err, ErrCrossBrandAccess)
	})
}

func TestSealFailureRollsBackEverything(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		broken := NewService(f.backend, envelope.NewService(envelope.StaticKeySource("")), ServiceOptions{Now: f.clock.Now})
		threadID := f.id("rolled_back")

		_, err := broken.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeEmail, "rollback@b.com"), func(req *InboundRequest) {
			req.ConversationID = threadID
		}))
		require.ErrorIs(t, err, envelope.ErrConfig)

		_, err = f.svc.ConversationTimeline(ctx, f.brandID, threadID)
		require.ErrorIs(t, err, ErrNotFound)

		err = f.backend.WithinTx(ctx, func(tx Tx) error {
			_, found, err := tx.FindContactByIdentity(ctx, f.orgID, identity.TypeEmail, "rollback@b.com")
			require.False(t, found)
			return err
		})
		require.NoError(t, err)
	})
}

func TestCanceledContextWritesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		threadID := f.id("canceled")

		_, err := f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.ConversationID = threadID }))
		require.Error(t, err)

		_, err = f.svc.ConversationTimeline(context.Background(), f.brandID, threadID)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentInboundSameIdentityConvergesOnOneContact(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		const writers = 6
		ids := make([]string, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeEmail, "Race@Example.com")))
				if err != nil {
					t.Errorf("ingest %d: %v", i, err)
					return
				}
				ids[i] = result.ContactID
			}(i)
		}
		wg.Wait()
		for _, id := range ids[1:] {
			assert.Equal(t, ids[0], id)
		}
	})
}

func TestChannelCredentialsAreSealed(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		var channel Channel
		err := f.backend.WithinTx(ctx, func(tx Tx) error {
			var err error
			channel, err = tx.GetChannel(ctx, f.channelID)
			return err
		})
		require.NoError(t, err)
		require.NotNil(t, channel.Credentials)
		assert.Equal(t, ChannelStatusActive, channel.Status)

		raw, err := json.Marshal(channel.Credentials)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "hunter2")

		var creds map[string]string
		require.NoError(t, testSealer().OpenInto(*channel.Credentials, &creds))
		assert.Equal(t, "hunter2", creds["smtpPassword"])

		_, err = f.svc.PutChannel(ctx, ChannelInput{ID: f.channelID, BrandID: f.otherBrandID, Platform: PlatformEmail})
		require.ErrorIs(t, err, ErrCrossBrandAccess)
		_, err = f.svc.PutBrand(ctx, Brand{ID: f.brandID, OrgID: f.id("other_org")})
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestOnAppendSeesOnlyCommittedEvents(t *testing.T) {
	backend := NewMemoryBackend()
	f := newFixture(t, backend)
	ctx := context.Background()

	in, err := f.svc.IngestInbound(ctx, f.inbound())
	require.NoError(t, err)
	_, err = f.svc.IngestOutboundReply(ctx, f.outbound(in.ConversationID, func(req *OutboundRequest) { req.BrandID = f.otherBrandID }))
	require.True(t, errors.Is(err, ErrCrossBrandAccess))

	appended := f.appended()
	require.Len(t, appended, 1)
	assert.Equal(t, in.TimelineEventID, appended[0].ID)
	assert.Equal(t, DirectionInbound, appended[0].Direction)
	assert.Positive(t, appended[0].Seq)
}

func TestJSONFileBackendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "timeline.json")
	backend, err := NewJSONFileBackend(path)
	require.NoError(t, err)
	f := newFixture(t, backend)
	ctx := context.Background()

	in, err := f.svc.IngestInbound(ctx, f.inbound(withIdentity(identity.TypeEmail, "a@b.com")))
	require.NoError(t, err)

	reopened, err := NewJSONFileBackend(path)
	require.NoError(t, err)
	svc := NewService(reopened, testSealer(), ServiceOptions{})
	view, err := svc.ConversationTimeline(ctx, f.brandID, in.ConversationID)
	require.NoError(t, err)
	require.Len(t, view.Events, 1)
	assert.JSONEq(t, `{"text":"hello"}`, string(view.Events[0].Content))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTimelineReadableAfterKeyFileRotation(t *testing.T) {
	encode := func(fill string) string {
		return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(fill, envelope.KeySize)))
	}
	path := filepath.Join(t.TempDir(), "kek")
	require.NoError(t, os.WriteFile(path, []byte(encode("a")+"\n"), 0o600))
	keys := envelope.NewFileKeySource(path, nil)

	f := newFixture(t, NewMemoryBackend())
	svc := NewService(f.backend, envelope.NewService(keys), ServiceOptions{Now: f.clock.Now})
	ctx := context.Background()

	before, err := svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) {
		req.Content = map[string]any{"text": "before rotation"}
	}))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(encode("b")+"\n"), 0o600))
	_, err = keys.Reload()
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) {
		req.ConversationID = before.ConversationID
		req.Content = map[string]any{"text": "after rotation"}
	}))
	require.NoError(t, err)

	view, err := svc.ConversationTimeline(ctx, f.brandID, before.ConversationID)
	require.NoError(t, err)
	require.Len(t, view.Events, 2)
	texts := []string{string(view.Events[0].Content), string(view.Events[1].Content)}
	assert.ElementsMatch(t, []string{`{"text":"before rotation"}`, `{"text":"after rotation"}`}, texts)
}

func TestReadOnlyTransactionsLeaveStateAndSnapshotAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.json")
	backend, err := NewJSONFileBackend(path)
	require.NoError(t, err)
	f := newFixture(t, backend)
	ctx := context.Background()

	in, err := f.svc.IngestInbound(ctx, f.inbound())
	require.NoError(t, err)
	committed := backend.state
	require.NoError(t, os.Remove(path))

	view, err := f.svc.ConversationTimeline(ctx, f.brandID, in.ConversationID)
	require.NoError(t, err)
	require.Len(t, view.Events, 1)

	assert.Same(t, committed, backend.state)
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "read should not rewrite the snapshot, got %v", err)

	_, err = f.svc.IngestInbound(ctx, f.inbound(func(req *InboundRequest) { req.ConversationID = in.ConversationID }))
	require.NoError(t, err)
	assert.NotSame(t, committed, backend.state)
	assert.Len(t, committed.Events, 1)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestMemoryTxDiscardsWritesOnError(t *testing.T) {
	backend := NewMemoryBackend()
	f := newFixture(t, backend)
	ctx := context.Background()
	in, err := f.svc.IngestInbound(ctx, f.inbound())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = backend.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.AppendEvent(ctx, TimelineEvent{ID: f.id("orphan"), BrandID: f.brandID, ConversationID: in.ConversationID, Timestamp: f.clock.Now()})
		require.NoError(t, err)
		require.NoError(t, tx.UpsertReplyLock(ctx, ReplyLock{ConversationID: in.ConversationID, BrandID: f.brandID, LockedByUserID: "user_a", ExpiresAt: f.clock.Now().Add(time.Minute)}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	view, err := f.svc.ConversationTimeline(ctx, f.brandID, in.ConversationID)
	require.NoError(t, err)
	assert.Len(t, view.Events, 1)
	assert.Nil(t, view.Lock)
}
