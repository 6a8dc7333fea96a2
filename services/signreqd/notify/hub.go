package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"orgsign/observability"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 16
)

// Message is the frame written to websocket subscribers.
type Message struct {
	Subject string  `json:"subject"`
	Events  []Event `json:"events"`
}

type subscriber struct {
	ch chan Message
}

// Hub broadcasts publications to websocket subscribers. A subscriber that
// cannot keep up loses messages rather than blocking the publisher.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	logger  *slog.Logger
	origins []string
}

// NewHub constructs an empty hub. Browser upgrades are accepted from the same
// origin and from hosts matching originPatterns.
func NewHub(logger *slog.Logger, originPatterns ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		logger:  logger,
		origins: append([]string(nil), originPatterns...),
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, subject string, events []Event) error {
	msg := Message{Subject: subject, Events: append([]Event(nil), events...)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			observability.Events().RecordDropped(subject)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add() *subscriber {
	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	observability.Events().SetSubscribers(n)
	return sub
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	observability.Events().SetSubscribers(n)
}

// ServeHTTP upgrades the request and streams publications until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket upgrade rejected", "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := h.add()
	defer h.remove(sub)

	// Subscribers never send; CloseRead surfaces their disconnect on ctx.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.ch:
			if err := writeMessage(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) == -1 {
					h.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
