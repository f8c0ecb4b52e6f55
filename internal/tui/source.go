package tui

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

// EventSource yields events for the tail view. Next blocks until an event
// arrives, the source fails, or ctx ends.
type EventSource interface {
	Next(ctx context.Context) (bus.Event, error)
	Close() error
}

// WSSource reads events from a running gateway's /ws endpoint.
type WSSource struct {
	conn *websocket.Conn
}

// wsURL turns a gateway base address into its /ws URL.
func wsURL(base string, topics []string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	if len(topics) > 0 {
		q.Set("topics", strings.Join(topics, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func DialWS(ctx context.Context, base string, topics []string) (*WSSource, error) {
	target, err := wsURL(base, topics)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(1 << 20)
	return &WSSource{conn: conn}, nil
}

func (s *WSSource) Next(ctx context.Context) (bus.Event, error) {
	var ev bus.Event
	err := wsjson.Read(ctx, s.conn, &ev)
	return ev, err
}

func (s *WSSource) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
