package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaytimeline/internal/envelope"
	"github.com/agentworkforce/relaytimeline/internal/identity"
)

const sqlInitTimeout = 10 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures what differs between the SQL engines. Queries are
// written with '?' placeholders and rebound per dialect.
type sqlDialect struct {
	name              string
	driverName        string
	schema            string
	forUpdate         string
	numberedParams    bool
	maxOpenConns      int
	isUniqueViolation func(error) bool
}

func (d sqlDialect) rebind(query string) string {
	if !d.numberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLBackend stores the timeline in a SQL database. The connection is opened
// and the schema applied on first use.
type SQLBackend struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn string, dialect sqlDialect) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{dsn: dsn, dialect: dialect, openDB: sql.Open}, nil
}

func (b *SQLBackend) Name() string {
	return b.dialect.name
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driverName, b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open %s: %w", b.dialect.name, err)
			return
		}
		if b.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(b.dialect.maxOpenConns)
		}
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlInitTimeout)
		defer cancel()
		if err := db.PingContext(initCtx); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("ping %s: %w", b.dialect.name, err)
			return
		}
		if err := applySchema(initCtx, db, b.dialect.schema); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("apply %s schema: %w", b.dialect.name, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func applySchema(ctx context.Context, db *sql.DB, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLBackend) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{tx: tx, d: b.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type sqlTx struct {
	tx *sql.Tx
	d  sqlDialect
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func encodeBlob(blob envelope.Blob) (string, error) {
	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("encode sealed blob: %w", err)
	}
	return string(data), nil
}

func decodeBlob(raw string) (envelope.Blob, error) {
	var blob envelope.Blob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return envelope.Blob{}, fmt.Errorf("decode sealed blob: %w", err)
	}
	return blob, nil
}

func (t *sqlTx) GetBrand(ctx context.Context, brandID string) (Brand, error) {
	var brand Brand
	err := t.queryRow(ctx, `SELECT id, org_id, name FROM brands WHERE id = ?`, brandID).
		Scan(&brand.ID, &brand.OrgID, &brand.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Brand{}, fmt.Errorf("brand %s: %w", brandID, ErrNotFound)
	}
	if err != nil {
		return Brand{}, fmt.Errorf("get brand: %w", err)
	}
	return brand, nil
}

func (t *sqlTx) PutBrand(ctx context.Context, brand Brand) error {
	_, err := t.exec(ctx, `
		INSERT INTO brands (id, org_id, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET org_id = excluded.org_id, name = excluded.name`,
		brand.ID, brand.OrgID, brand.Name)
	if err != nil {
		return fmt.Errorf("put brand: %w", err)
	}
	return nil
}

func (t *sqlTx) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var (
		channel     Channel
		credentials sql.NullString
	)
	err := t.queryRow(ctx, `
		SELECT id, brand_id, platform, nickname, status, credentials_encrypted
		FROM channels WHERE id = ?`, channelID).
		Scan(&channel.ID, &channel.BrandID, &channel.Platform, &channel.Nickname, &channel.Status, &credentials)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	if credentials.Valid {
		blob, err := decodeBlob(credentials.String)
		if err != nil {
			return Channel{}, err
		}
		channel.Credentials = &blob
	}
	return channel, nil
}

func (t *sqlTx) PutChannel(ctx context.Context, channel Channel) error {
	var credentials any
	if channel.Credentials != nil {
		encoded, err := encodeBlob(*channel.Credentials)
		if err != nil {
			return err
		}
		credentials = encoded
	}
	_, err := t.exec(ctx, `
		INSERT INTO channels (id, brand_id, platform, nickname, status, credentials_encrypted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			brand_id = excluded.brand_id,
			platform = excluded.platform,
			nickname = excluded.nickname,
			status = excluded.status,
			credentials_encrypted = excluded.credentials_encrypted`,
		channel.ID, channel.BrandID, string(channel.Platform), channel.Nickname, channel.Status, credentials)
	if err != nil {
		return fmt.Errorf("put channel: %w", err)
	}
	return nil
}

func (t *sqlTx) getConversation(ctx context.Context, conversationID, suffix string) (Conversation, error) {
	var (
		conversation Conversation
		createdAt    int64
	)
	err := t.queryRow(ctx, `SELECT id, brand_id, created_at FROM conversations WHERE id = ?`+suffix, conversationID).
		Scan(&conversation.ID, &conversation.BrandID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conversation.CreatedAt = fromNanos(createdAt)
	return conversation, nil
}

func (t *sqlTx) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return t.getConversation(ctx, conversationID, "")
}

func (t *sqlTx) LockConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return t.getConversation(ctx, conversationID, t.d.forUpdate)
}

func (t *sqlTx) CreateConversation(ctx context.Context, conversation Conversation) (Conversation, error) {
	_, err := t.exec(ctx, `
		INSERT INTO conversations (id, brand_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		conversation.ID, conversation.BrandID, toNanos(conversation.CreatedAt))
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return t.getConversation(ctx, conversation.ID, t.d.forUpdate)
}

func (t *sqlTx) FindContactByIdentity(ctx context.Context, orgID string, identityType identity.Type, normalizedValue string) (string, bool, error) {
	var contactID string
	err := t.queryRow(ctx, `
		SELECT contact_id FROM contact_identities
		WHERE org_id = ? AND type = ? AND normalized_value = ?`,
		orgID, string(identityType), normalizedValue).Scan(&contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find contact identity: %w", err)
	}
	return contactID, true, nil
}

func (t *sqlTx) CreateContact(ctx context.Context, contact Contact, ident *ContactIdentity) (string, error) {
	_, err := t.exec(ctx, `INSERT INTO contacts (id, org_id, primary_role, scope) VALUES (?, ?, ?, ?)`,
		contact.ID, contact.OrgID, contact.PrimaryRole, contact.Scope)
	if err != nil {
		return "", fmt.Errorf("create contact: %w", err)
	}
	if ident == nil {
		return contact.ID, nil
	}
	res, err := t.exec(ctx, `
		INSERT INTO contact_identities (org_id, type, normalized_value, value, contact_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (org_id, type, normalized_value) DO NOTHING`,
		ident.OrgID, string(ident.Type), ident.NormalizedValue, ident.Value, contact.ID)
	if err != nil {
		return "", fmt.Errorf("claim contact identity: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("claim contact identity: %w", err)
	}
	if claimed == 1 {
		return contact.ID, nil
	}
	// Lost the race for this identity: drop the new contact and use the winner.
	if _, err := t.exec(ctx, `DELETE FROM contacts WHERE id = ?`, contact.ID); err != nil {
		return "", fmt.Errorf("discard contact: %w", err)
	}
	existing, found, err := t.FindContactByIdentity(ctx, ident.OrgID, ident.Type, ident.NormalizedValue)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("contact identity vanished after conflict: %w", ErrNotFound)
	}
	return existing, nil
}

func (t *sqlTx) EnsureContactBrand(ctx context.Context, contactID, brandID string) error {
	_, err := t.exec(ctx, `
		INSERT INTO contact_brands (contact_id, brand_id) VALUES (?, ?)
		ON CONFLICT (contact_id, brand_id) DO NOTHING`, contactID, brandID)
	if err != nil {
		return fmt.Errorf("ensure contact brand: %w", err)
	}
	return nil
}

func (t *sqlTx) EnsureConversationContact(ctx context.Context, conversationID, contactID string) error {
	_, err := t.exec(ctx, `
		INSERT INTO conversation_contacts (conversation_id, contact_id) VALUES (?, ?)
		ON CONFLICT (conversation_id, contact_id) DO NOTHING`, conversationID, contactID)
	if err != nil {
		return fmt.Errorf("ensure conversation contact: %w", err)
	}
	return nil
}

const eventColumns = `seq, id, brand_id, conversation_id, contact_id, channel_id, platform, type, direction,
	occurred_at, source_id, signature, content_encrypted, raw_payload_encrypted`

func (t *sqlTx) AppendEvent(ctx context.Context, event TimelineEvent) (TimelineEvent, error) {
	content, err := encodeBlob(event.Content)
	if err != nil {
		return TimelineEvent{}, err
	}
	raw, err := encodeBlob(event.RawPayload)
	if err != nil {
		return TimelineEvent{}, err
	}
	err = t.queryRow(ctx, `
		INSERT INTO timeline_events (id, brand_id, conversation_id, contact_id, channel_id, platform, type, direction,
			occurred_at, source_id, signature, content_encrypted, raw_payload_encrypted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		event.ID, event.BrandID, event.ConversationID, nullString(event.ContactID), event.ChannelID,
		string(event.Platform), string(event.Type), string(event.Direction), toNanos(event.Timestamp),
		nullString(event.SourceID), nullString(event.Signature), content, raw,
	).Scan(&event.Seq)
	if err != nil {
		if event.SourceID != "" && t.d.isUniqueViolation != nil && t.d.isUniqueViolation(err) {
			return TimelineEvent{}, fmt.Errorf("source %s on channel %s: %w", event.SourceID, event.ChannelID, ErrDuplicateEvent)
		}
		return TimelineEvent{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (TimelineEvent, error) {
	var (
		ev                           TimelineEvent
		contactID, sourceID, sig     sql.NullString
		occurredAt                   int64
		platform, evType, direction  string
		contentRaw, rawPayloadCipher string
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &ev.BrandID, &ev.ConversationID, &contactID, &ev.ChannelID,
		&platform, &evType, &direction, &occurredAt, &sourceID, &sig, &contentRaw, &rawPayloadCipher); err != nil {
		return TimelineEvent{}, err
	}
	ev.ContactID = contactID.String
	ev.SourceID = sourceID.String
	ev.Signature = sig.String
	ev.Platform = Platform(platform)
	ev.Type = EventType(evType)
	ev.Direction = Direction(direction)
	ev.Timestamp = fromNanos(occurredAt)
	var err error
	if ev.Content, err = decodeBlob(contentRaw); err != nil {
		return TimelineEvent{}, err
	}
	if ev.RawPayload, err = decodeBlob(rawPayloadCipher); err != nil {
		return TimelineEvent{}, err
	}
	return ev, nil
}

func (t *sqlTx) LastEventID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := t.queryRow(ctx, `
		SELECT id FROM timeline_events
		WHERE conversation_id = ?
		ORDER BY occurred_at DESC, seq DESC
		LIMIT 1`, conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last event id: %w", err)
	}
	return id, nil
}

func (t *sqlTx) FindEventBySource(ctx context.Context, channelID, sourceID string) (TimelineEvent, bool, error) {
	row := t.queryRow(ctx, `SELECT `+eventColumns+` FROM timeline_events WHERE channel_id = ? AND source_id = ?`,
		channelID, sourceID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TimelineEvent{}, false, nil
	}
	if err != nil {
		return TimelineEvent{}, false, fmt.Errorf("find event by source: %w", err)
	}
	return ev, true, nil
}

func (t *sqlTx) ListEvents(ctx context.Context, conversationID string) ([]TimelineEvent, error) {
	rows, err := t.tx.QueryContext(ctx, t.d.rebind(`
		SELECT `+eventColumns+` FROM timeline_events
		WHERE conversation_id = ?
		ORDER BY occurred_at ASC, seq ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]TimelineEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (t *sqlTx) GetReplyLock(ctx context.Context, conversationID string) (ReplyLock, bool, error) {
	var (
		lock      ReplyLock
		expiresAt int64
	)
	err := t.queryRow(ctx, `
		SELECT conversation_id, brand_id, locked_by_user_id, last_event_id, expires_at
		FROM reply_locks WHERE conversation_id = ?`+t.d.forUpdate, conversationID).
		Scan(&lock.ConversationID, &lock.BrandID, &lock.LockedByUserID, &lock.LastEventID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReplyLock{}, false, nil
	}
	if err != nil {
		return ReplyLock{}, false, fmt.Errorf("get reply lock: %w", err)
	}
	lock.ExpiresAt = fromNanos(expiresAt)
	return lock, true, nil
}

func (t *sqlTx) UpsertReplyLock(ctx context.Context, lock ReplyLock) error {
	_, err := t.exec(ctx, `
		INSERT INTO reply_locks (conversation_id, brand_id, locked_by_user_id, last_event_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			brand_id = excluded.brand_id,
			locked_by_user_id = excluded.locked_by_user_id,
			last_event_id = excluded.last_event_id,
			expires_at = excluded.expires_at`,
		lock.ConversationID, lock.BrandID, lock.LockedByUserID, lock.LastEventID, toNanos(lock.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert reply lock: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteReplyLock(ctx context.Context, conversationID string) error {
	if _, err := t.exec(ctx, `DELETE FROM reply_locks WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete reply lock: %w", err)
	}
	return nil
}
