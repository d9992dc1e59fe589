package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingPeriod   = 30 * time.Second
)

// Notice tells stream subscribers that a conversation gained an event, which
// makes any fencing token they hold stale.
type Notice struct {
	ConversationID string             `json:"conversationId"`
	EventID        string             `json:"eventId"`
	Direction      timeline.Direction `json:"direction"`
	Timestamp      time.Time          `json:"timestamp"`
}

type subscriber struct {
	send   chan Notice
	once   sync.Once
	closed chan struct{}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// StreamHub fans out appended events to websocket subscribers by conversation.
// A subscriber whose buffer is full is disconnected rather than blocking the
// publisher.
type StreamHub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

func NewStreamHub(buffer int, logger *slog.Logger) *StreamHub {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHub{
		rooms:  map[string]map[*subscriber]struct{}{},
		buffer: buffer,
		logger: logger,
	}
}

// Publish is safe to use as timeline.ServiceOptions.OnAppend.
func (h *StreamHub) Publish(event timeline.TimelineEvent) {
	notice := Notice{
		ConversationID: event.ConversationID,
		EventID:        event.ID,
		Direction:      event.Direction,
		Timestamp:      event.Timestamp,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[event.ConversationID] {
		select {
		case <-sub.closed:
		case sub.send <- notice:
		default:
			h.logger.Warn("stream subscriber too slow, disconnecting", "conversation_id", event.ConversationID)
			sub.close()
		}
	}
}

func (h *StreamHub) subscribe(conversationID string) *subscriber {
	sub := &subscriber{
		send:   make(chan Notice, h.buffer),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[conversationID]
	if room == nil {
		room = map[*subscriber]struct{}{}
		h.rooms[conversationID] = room
	}
	room[sub] = struct{}{}
	return sub
}

func (h *StreamHub) unsubscribe(conversationID string, sub *subscriber) {
	sub.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[conversationID]
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

// Subscribers reports how many connections follow conversationID.
func (h *StreamHub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, brandID, conversationID, correlationID string) {
	if err := s.svc.CheckConversation(r.Context(), brandID, conversationID); err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err, "correlation_id", correlationID)
		return
	}
	defer conn.CloseNow()

	sub := s.hub.subscribe(conversationID)
	defer s.hub.unsubscribe(conversationID, sub)
	s.logger.Debug("stream opened", "brand_id", brandID, "conversation_id", conversationID)

	// Clients never send data; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.cfg.StreamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.closed:
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return
		case notice := <-sub.send:
			if err := writeNotice(ctx, conn, notice); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("stream write failed", "error", err, "conversation_id", conversationID)
				}
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeNotice(ctx context.Context, conn *websocket.Conn, notice Notice) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, notice)
}
