package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaytimeline/internal/httpapi"
)

type watcher struct {
	url    string
	token  string
	out    io.Writer
	logger *log.Logger
}

// streamURLFor maps an http(s) base URL onto the conversation stream route.
func streamURLFor(baseURL, brandID, conversationID string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path += "/v1/brands/" + url.PathEscape(brandID) + "/conversations/" + url.PathEscape(conversationID) + "/stream"
	return parsed.String(), nil
}

// follow holds one stream connection open and writes each notice to out as a
// JSON line. It returns nil when the server closes the stream normally.
func (w *watcher) follow(ctx context.Context, header http.Header) error {
	header = header.Clone()
	header.Set("Authorization", "Bearer "+w.token)
	if header.Get("X-Correlation-Id") == "" {
		header.Set("X-Correlation-Id", "watch_"+uuid.NewString())
	}
	conn, resp, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial stream: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.CloseNow()
	w.logger.Printf("following %s", w.url)

	enc := json.NewEncoder(w.out)
	for {
		var notice httpapi.Notice
		if err := wsjson.Read(ctx, conn, &notice); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := enc.Encode(notice); err != nil {
			return fmt.Errorf("write notice: %w", err)
		}
	}
}
