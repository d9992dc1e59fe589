package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaytimeline/internal/identity"
)

// persistedState is the whole dataset of a MemoryBackend. A transaction copies
// it on its first write and swaps the copy in on commit. Stored values are
// replaced, never mutated in place, so copies share them.
type persistedState struct {
	SeqCounter           int64                      `json:"seqCounter"`
	Brands               map[string]Brand           `json:"brands"`
	Channels             map[string]Channel         `json:"channels"`
	Conversations        map[string]Conversation    `json:"conversations"`
	Contacts             map[string]Contact         `json:"contacts"`
	Identities           map[string]ContactIdentity `json:"identities"`
	ContactBrands        map[string]bool            `json:"contactBrands"`
	ConversationContacts map[string]bool            `json:"conversationContacts"`
	Events               []TimelineEvent            `json:"events"`
	EventSources         map[string]string          `json:"eventSources"`
	ReplyLocks           map[string]ReplyLock       `json:"replyLocks"`
}

func newPersistedState() *persistedState {
	return &persistedState{
		Brands:               map[string]Brand{},
		Channels:             map[string]Channel{},
		Conversations:        map[string]Conversation{},
		Contacts:             map[string]Contact{},
		Identities:           map[string]ContactIdentity{},
		ContactBrands:        map[string]bool{},
		ConversationContacts: map[string]bool{},
		EventSources:         map[string]string{},
		ReplyLocks:           map[string]ReplyLock{},
	}
}

func (s *persistedState) ensureMaps() {
	if s.Brands == nil {
		s.Brands = map[string]Brand{}
	}
	if s.Channels == nil {
		s.Channels = map[string]Channel{}
	}
	if s.Conversations == nil {
		s.Conversations = map[string]Conversation{}
	}
	if s.Contacts == nil {
		s.Contacts = map[string]Contact{}
	}
	if s.Identities == nil {
		s.Identities = map[string]ContactIdentity{}
	}
	if s.ContactBrands == nil {
		s.ContactBrands = map[string]bool{}
	}
	if s.ConversationContacts == nil {
		s.ConversationContacts = map[string]bool{}
	}
	if s.EventSources == nil {
		s.EventSources = map[string]string{}
	}
	if s.ReplyLocks == nil {
		s.ReplyLocks = map[string]ReplyLock{}
	}
}

func (s *persistedState) clone() *persistedState {
	out := &persistedState{
		SeqCounter:           s.SeqCounter,
		Brands:               maps.Clone(s.Brands),
		Channels:             maps.Clone(s.Channels),
		Conversations:        maps.Clone(s.Conversations),
		Contacts:             maps.Clone(s.Contacts),
		Identities:           maps.Clone(s.Identities),
		ContactBrands:        maps.Clone(s.ContactBrands),
		ConversationContacts: maps.Clone(s.ConversationContacts),
		// Clipped so the first append reallocates instead of writing into
		// the committed backing array.
		Events:       slices.Clip(s.Events),
		EventSources: maps.Clone(s.EventSources),
		ReplyLocks:   maps.Clone(s.ReplyLocks),
	}
	out.ensureMaps()
	return out
}

// snapshotStore persists committed state between process restarts.
type snapshotStore interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type jsonFileSnapshotStore struct {
	path string
}

func (b *jsonFileSnapshotStore) Load() (*persistedState, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	snapshot.ensureMaps()
	return &snapshot, nil
}

func (b *jsonFileSnapshotStore) Save(state *persistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// MemoryBackend keeps all state in process. Transactions are fully serialized
// by a single mutex. With a file path it also persists every commit that
// changed something as a JSON snapshot.
type MemoryBackend struct {
	mu       sync.Mutex
	state    *persistedState
	snapshot snapshotStore
	name     string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: newPersistedState(), name: "memory"}
}

// NewJSONFileBackend loads state from path, if present, and saves a snapshot
// there after every committed transaction.
func NewJSONFileBackend(path string) (*MemoryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	store := &jsonFileSnapshotStore{path: path}
	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state file: %w", err)
	}
	if loaded == nil {
		loaded = newPersistedState()
	}
	return &MemoryBackend{state: loaded, snapshot: store, name: "file"}, nil
}

func (b *MemoryBackend) Name() string {
	return b.name
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &memoryTx{base: b.state}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.dirty == nil {
		return nil
	}
	if b.snapshot != nil {
		if err := b.snapshot.Save(tx.dirty); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}
	b.state = tx.dirty
	return nil
}

// memoryTx reads the committed state until its first write, which switches
// it to a private copy.
type memoryTx struct {
	base  *persistedState
	dirty *persistedState
}

func (t *memoryTx) read() *persistedState {
	if t.dirty != nil {
		return t.dirty
	}
	return t.base
}

func (t *memoryTx) write() *persistedState {
	if t.dirty == nil {
		t.dirty = t.base.clone()
	}
	return t.dirty
}

func identityKey(orgID string, t identity.Type, normalized string) string {
	return orgID + "\x00" + string(t) + "\x00" + normalized
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func (t *memoryTx) GetBrand(ctx context.Context, brandID string) (Brand, error) {
	brand, ok := t.read().Brands[brandID]
	if !ok {
		return Brand{}, fmt.Errorf("brand %s: %w", brandID, ErrNotFound)
	}
	return brand, nil
}

func (t *memoryTx) PutBrand(ctx context.Context, brand Brand) error {
	t.write().Brands[brand.ID] = brand
	return nil
}

func (t *memoryTx) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	channel, ok := t.read().Channels[channelID]
	if !ok {
		return Channel{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	return channel, nil
}

func (t *memoryTx) PutChannel(ctx context.Context, channel Channel) error {
	t.write().Channels[channel.ID] = channel
	return nil
}

func (t *memoryTx) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	conversation, ok := t.read().Conversations[conversationID]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return conversation, nil
}

func (t *memoryTx) LockConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return t.GetConversation(ctx, conversationID)
}

func (t *memoryTx) CreateConversation(ctx context.Context, conversation Conversation) (Conversation, error) {
	if existing, exists := t.read().Conversations[conversation.ID]; exists {
		return existing, nil
	}
	t.write().Conversations[conversation.ID] = conversation
	return conversation, nil
}

func (t *memoryTx) FindContactByIdentity(ctx context.Context, orgID string, identityType identity.Type, normalizedValue string) (string, bool, error) {
	ident, ok := t.read().Identities[identityKey(orgID, identityType, normalizedValue)]
	if !ok {
		return "", false, nil
	}
	return ident.ContactID, true, nil
}

func (t *memoryTx) CreateContact(ctx context.Context, contact Contact, ident *ContactIdentity) (string, error) {
	if ident != nil {
		key := identityKey(ident.OrgID, ident.Type, ident.NormalizedValue)
		if existing, ok := t.read().Identities[key]; ok {
			return existing.ContactID, nil
		}
		claimed := *ident
		claimed.ContactID = contact.ID
		t.write().Identities[key] = claimed
	}
	t.write().Contacts[contact.ID] = contact
	return contact.ID, nil
}

func (t *memoryTx) EnsureContactBrand(ctx context.Context, contactID, brandID string) error {
	key := pairKey(contactID, brandID)
	if !t.read().ContactBrands[key] {
		t.write().ContactBrands[key] = true
	}
	return nil
}

func (t *memoryTx) EnsureConversationContact(ctx context.Context, conversationID, contactID string) error {
	key := pairKey(conversationID, contactID)
	if !t.read().ConversationContacts[key] {
		t.write().ConversationContacts[key] = true
	}
	return nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, event TimelineEvent) (TimelineEvent, error) {
	if event.SourceID != "" {
		key := pairKey(event.ChannelID, event.SourceID)
		if _, exists := t.read().EventSources[key]; exists {
			return TimelineEvent{}, fmt.Errorf("source %s on channel %s: %w", event.SourceID, event.ChannelID, ErrDuplicateEvent)
		}
		t.write().EventSources[key] = event.ID
	}
	state := t.write()
	state.SeqCounter++
	event.Seq = state.SeqCounter
	state.Events = append(state.Events, event)
	return event, nil
}

func (t *memoryTx) LastEventID(ctx context.Context, conversationID string) (string, error) {
	var last *TimelineEvent
	events := t.read().Events
	for i := range events {
		ev := &events[i]
		if ev.ConversationID != conversationID {
			continue
		}
		if last == nil || ev.after(*last) {
			last = ev
		}
	}
	if last == nil {
		return "", nil
	}
	return last.ID, nil
}

func (t *memoryTx) FindEventBySource(ctx context.Context, channelID, sourceID string) (TimelineEvent, bool, error) {
	id, ok := t.read().EventSources[pairKey(channelID, sourceID)]
	if !ok {
		return TimelineEvent{}, false, nil
	}
	for _, ev := range t.read().Events {
		if ev.ID == id {
			return ev, true, nil
		}
	}
	return TimelineEvent{}, false, nil
}

func (t *memoryTx) ListEvents(ctx context.Context, conversationID string) ([]TimelineEvent, error) {
	out := make([]TimelineEvent, 0)
	for _, ev := range t.read().Events {
		if ev.ConversationID == conversationID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].after(out[i])
	})
	return out, nil
}

func (t *memoryTx) GetReplyLock(ctx context.Context, conversationID string) (ReplyLock, bool, error) {
	lock, ok := t.read().ReplyLocks[conversationID]
	return lock, ok, nil
}

func (t *memoryTx) UpsertReplyLock(ctx context.Context, lock ReplyLock) error {
	t.write().ReplyLocks[lock.ConversationID] = lock
	return nil
}

func (t *memoryTx) DeleteReplyLock(ctx context.Context, conversationID string) error {
	if _, ok := t.read().ReplyLocks[conversationID]; ok {
		delete(t.write().ReplyLocks, conversationID)
	}
	return nil
}
