package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaytimeline/internal/envelope"
	"github.com/agentworkforce/relaytimeline/internal/identity"
	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

type ServerConfig struct {
	JWTSecret        string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	StreamPingPeriod time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

type Server struct {
	svc         *timeline.Service
	hub         *StreamHub
	cfg         ServerConfig
	logger      *slog.Logger
	schemas     *bodySchemas
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewServer exposes svc over HTTP. hub should be the StreamHub wired into the
// service's OnAppend hook; a nil hub gets a private one that never receives
// events.
func NewServer(svc *timeline.Service, hub *StreamHub, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamPingPeriod <= 0 {
		cfg.StreamPingPeriod = streamPingPeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewStreamHub(0, logger)
	}
	schemas, err := compileBodySchemas()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		hub:         hub,
		cfg:         cfg,
		logger:      logger,
		schemas:     schemas,
		rateLimiter: limiter,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": s.svc.Backend().Name()})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" {
		s.handleAdmin(w, r, parts[2], parts[3])
		return
	}
	if len(parts) < 5 || parts[0] != "v1" || parts[1] != "brands" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	brandID := parts[2]

	var requiredScope, route, conversationID string
	switch {
	case len(parts) == 5 && parts[3] == "events" && parts[4] == "inbound" && r.Method == http.MethodPost:
		requiredScope, route = scopeTimelineWrite, "inbound"
	case len(parts) == 5 && parts[3] == "events" && parts[4] == "outbound" && r.Method == http.MethodPost:
		requiredScope, route = scopeTimelineWrite, "outbound"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "reply-lock" && r.Method == http.MethodPost:
		requiredScope, route = scopeReplyLock, "acquire"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "reply-lock" && r.Method == http.MethodDelete:
		requiredScope, route = scopeReplyLock, "release"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "events" && r.Method == http.MethodGet:
		requiredScope, route = scopeTimelineRead, "timeline"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "stream" && r.Method == http.MethodGet:
		requiredScope, route = scopeTimelineRead, "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if len(parts) == 6 {
		conversationID = parts[4]
		if conversationID == "" {
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
			return
		}
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, brandID, requiredScope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := brandID + "|" + claims.UserID
		if !s.rateLimiter.allow(key, s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "inbound":
		s.handleInbound(w, r, brandID, correlationID)
	case "outbound":
		s.handleOutbound(w, r, brandID, claims, correlationID)
	case "acquire":
		s.handleAcquire(w, r, brandID, conversationID, claims, correlationID)
	case "release":
		s.handleRelease(w, r, brandID, conversationID, claims, correlationID)
	case "timeline":
		s.handleTimeline(w, r, brandID, conversationID, correlationID)
	case "stream":
		s.handleStream(w, r, brandID, conversationID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type identityBody struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type inboundBody struct {
	ChannelID      string          `json:"channelId"`
	Platform       string          `json:"platform"`
	ConversationID string          `json:"conversationId"`
	SourceID       string          `json:"sourceId"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ActorIdentity  *identityBody   `json:"actorIdentity"`
	Content        json.RawMessage `json:"content"`
	RawPayload     json.RawMessage `json:"rawPayload"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request, brandID, correlationID string) {
	var body inboundBody
	if !s.decodeValidatedBody(w, r, schemaInboundEvent, correlationID, &body) {
		return
	}
	req := timeline.InboundRequest{
		BrandID:        brandID,
		ChannelID:      body.ChannelID,
		Platform:       timeline.Platform(body.Platform),
		Type:           timeline.EventType(body.Type),
		Timestamp:      body.Timestamp,
		ConversationID: body.ConversationID,
		SourceID:       body.SourceID,
		Content:        payloadOrNull(body.Content),
		RawPayload:     payloadOrNull(body.RawPayload),
	}
	if body.ActorIdentity != nil {
		identityType, err := identity.ParseType(body.ActorIdentity.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		req.ActorIdentity = &identity.Identity{Type: identityType, Value: body.ActorIdentity.Value}
	}
	result, err := s.svc.IngestInbound(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type outboundBody struct {
	ChannelID      string          `json:"channelId"`
	Platform       string          `json:"platform"`
	ConversationID string          `json:"conversationId"`
	SourceID       string          `json:"sourceId"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	Signature      string          `json:"signature"`
	RequireLock    bool            `json:"requireLock"`
	Content        json.RawMessage `json:"content"`
	RawPayload     json.RawMessage `json:"rawPayload"`
}

func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request, brandID string, claims tokenClaims, correlationID string) {
	var body outboundBody
	if !s.decodeValidatedBody(w, r, schemaOutboundEvent, correlationID, &body) {
		return
	}
	req := timeline.OutboundRequest{
		BrandID:        brandID,
		ChannelID:      body.ChannelID,
		Platform:       timeline.Platform(body.Platform),
		ConversationID: body.ConversationID,
		Type:           timeline.EventType(body.Type),
		Timestamp:      body.Timestamp,
		Signature:      body.Signature,
		SourceID:       body.SourceID,
		Content:        payloadOrNull(body.Content),
		RawPayload:     payloadOrNull(body.RawPayload),
	}
	if body.RequireLock {
		req.RequireLockHolder = claims.UserID
	}
	result, err := s.svc.IngestOutboundReply(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request, brandID, conversationID string, claims tokenClaims, correlationID string) {
	var body struct {
		LastEventID string `json:"lastEventId"`
		TTLSeconds  int    `json:"ttlSeconds"`
	}
	if !s.decodeValidatedBody(w, r, schemaReplyLockAcquire, correlationID, &body) {
		return
	}
	result, err := s.svc.AcquireReplyLock(r.Context(), timeline.AcquireRequest{
		BrandID:        brandID,
		ConversationID: conversationID,
		UserID:         claims.UserID,
		LastEventID:    body.LastEventID,
		TTL:            time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	switch result.Reason {
	case timeline.AcquireConflict:
		writeJSON(w, http.StatusConflict, result)
	case timeline.AcquireLocked:
		writeJSON(w, http.StatusLocked, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, brandID, conversationID string, claims tokenClaims, correlationID string) {
	result, err := s.svc.ReleaseReplyLock(r.Context(), timeline.ReleaseRequest{
		BrandID:        brandID,
		ConversationID: conversationID,
		UserID:         claims.UserID,
	})
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	switch result.Reason {
	case timeline.ReleaseMissing:
		writeJSON(w, http.StatusNotFound, result)
	case timeline.ReleaseNotOwner:
		writeJSON(w, http.StatusForbidden, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, brandID, conversationID, correlationID string) {
	view, err := s.svc.ConversationTimeline(r.Context(), brandID, conversationID)
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	if view.LastEventID != "" {
		w.Header().Set("ETag", strconv.Quote(view.LastEventID))
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, kind, id string) {
	if r.Method != http.MethodPut || id == "" || (kind != "brands" && kind != "channels") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", scopeAdmin, s.cfg.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}

	switch kind {
	case "brands":
		var body struct {
			OrgID string `json:"orgId"`
			Name  string `json:"name"`
		}
		if !s.decodeValidatedBody(w, r, schemaBrand, correlationID, &body) {
			return
		}
		brand, err := s.svc.PutBrand(r.Context(), timeline.Brand{ID: id, OrgID: body.OrgID, Name: body.Name})
		if err != nil {
			s.writeServiceError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, brand)
	case "channels":
		var body struct {
			BrandID     string         `json:"brandId"`
			Platform    string         `json:"platform"`
			Nickname    string         `json:"nickname"`
			Status      string         `json:"status"`
			Credentials map[string]any `json:"credentials"`
		}
		if !s.decodeValidatedBody(w, r, schemaChannel, correlationID, &body) {
			return
		}
		in := timeline.ChannelInput{
			ID:       id,
			BrandID:  body.BrandID,
			Platform: timeline.Platform(body.Platform),
			Nickname: body.Nickname,
			Status:   body.Status,
		}
		if body.Credentials != nil {
			in.Credentials = body.Credentials
		}
		channel, err := s.svc.PutChannel(r.Context(), in)
		if err != nil {
			s.writeServiceError(w, r, err, correlationID)
			return
		}
		// Sealed credentials never leave the server.
		channel.Credentials = nil
		writeJSON(w, http.StatusOK, channel)
	}
}

// writeServiceError maps timeline, envelope and identity errors onto
// statuses. Internal details of crypto and storage failures stay in the log.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	var (
		conflict  *timeline.ConflictError
		held      *timeline.LockHeldError
		ownership *timeline.LockOwnershipError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":               "conflict",
			"message":            err.Error(),
			"correlationId":      correlationID,
			"currentLastEventId": conflict.CurrentLastEventID,
		})
	case errors.As(err, &held):
		writeJSON(w, http.StatusLocked, map[string]any{
			"code":           "locked",
			"message":        err.Error(),
			"correlationId":  correlationID,
			"lockedByUserId": held.LockedByUserID,
			"expiresAt":      held.ExpiresAt,
		})
	case errors.As(err, &ownership):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"code":           "not_owner",
			"message":        err.Error(),
			"correlationId":  correlationID,
			"lockedByUserId": ownership.LockedByUserID,
		})
	case errors.Is(err, timeline.ErrNotLockOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error(), correlationID)
	case errors.Is(err, timeline.ErrLockMissing):
		writeError(w, http.StatusNotFound, "missing", err.Error(), correlationID)
	case errors.Is(err, timeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, timeline.ErrCrossBrandAccess):
		writeError(w, http.StatusForbidden, "cross_brand_access", err.Error(), correlationID)
	case errors.Is(err, timeline.ErrInvalidInput),
		errors.Is(err, identity.ErrUnknownType),
		errors.Is(err, identity.ErrEmptyValue):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, timeline.ErrDuplicateEvent):
		writeError(w, http.StatusConflict, "duplicate_event", err.Error(), correlationID)
	case errors.Is(err, envelope.ErrCrypto):
		s.logger.ErrorContext(r.Context(), "crypto failure", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "crypto_error", "payload integrity check failed", correlationID)
	case errors.Is(err, envelope.ErrConfig):
		s.logger.ErrorContext(r.Context(), "crypto misconfiguration", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "config_error", "encryption is not configured", correlationID)
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func payloadOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
