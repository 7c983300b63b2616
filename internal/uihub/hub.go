// Package uihub streams UI events (splash dismissal, captions) to
// websocket clients.
package uihub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nats-io/nats.go"
	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/protocol"
)

const writeTimeout = 2 * time.Second

type Hub struct {
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	conns     map[*websocket.Conn]struct{}
	dismissed bool
	sub       *nats.Subscription
}

func New(log *slog.Logger) *Hub {
	return &Hub{
		logger: log.With(slog.String("component", "uihub")),
		clock:  time.Now,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Clients joining after the splash was dismissed are told so
// immediately.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept error", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	dismissed := h.dismissed
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	h.logger.Debug("ui client connected", slog.String("remote", r.RemoteAddr))
	if dismissed {
		h.write(conn, protocol.UIEvent{Type: protocol.UIEventSplashDismiss, Timestamp: h.clock().UTC()})
	}

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

// Publish sends evt to every connected client.
func (h *Hub) Publish(evt protocol.UIEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.clock().UTC()
	}
	h.mu.Lock()
	if evt.Type == protocol.UIEventSplashDismiss {
		h.dismissed = true
	}
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		go h.write(c, evt)
	}
}

// DismissSplash is called once the intro hold has elapsed.
func (h *Hub) DismissSplash() {
	h.Publish(protocol.UIEvent{Type: protocol.UIEventSplashDismiss})
}

func (h *Hub) write(c *websocket.Conn, evt protocol.UIEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c, evt); err != nil {
		h.logger.Debug("websocket write error", slog.String("error", err.Error()))
	}
}

// ForwardCaptions relays spoken utterances from the bus as captions.
func (h *Hub) ForwardCaptions(busClient *bus.Client) error {
	sub, err := busClient.Subscribe(protocol.SubjectUtterance, func(msg *nats.Msg) {
		var u protocol.Utterance
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			h.logger.Warn("invalid utterance message", slog.String("error", err.Error()))
			return
		}
		h.Publish(protocol.UIEvent{Type: protocol.UIEventCaption, Text: u.Text, Timestamp: u.Timestamp})
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close stops caption forwarding and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
	}
}
