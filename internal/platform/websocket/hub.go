// Package websocket pushes slot events to browser clients. Clients subscribe
// to topics such as doctor/{id}/{date} or reservation/{id} and receive every
// event published on them. Delivery is best-effort: a client whose buffer is
// full misses the event and is expected to re-query.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer     = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	maxTopics      = 32
)

// Event is the frame written to subscribed clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// TopicFilter reports whether clients may subscribe to topic.
type TopicFilter func(topic string) bool

// Client is one connected socket.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// NewClient creates a client with a bounded send buffer.
func NewClient(topics ...string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Topics: append([]string(nil), topics...),
		Send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients by topic.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	allow   TopicFilter
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewHub creates a Hub. A nil filter accepts every non-empty topic.
func NewHub(logger zerolog.Logger, allow TopicFilter) *Hub {
	if allow == nil {
		allow = func(topic string) bool { return topic != "" }
	}
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		allow:  allow,
		log:    logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	accepted := client.Topics[:0]
	for _, topic := range client.Topics {
		topic = strings.TrimSpace(topic)
		if h.allow(topic) {
			h.addLocked(client, topic)
			accepted = append(accepted, topic)
		}
	}
	client.Topics = accepted
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Topics rejected by the filter
// are returned.
func (h *Hub) Subscribe(client *Client, topics []string) (rejected []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if !h.allow(topic) || len(client.Topics) >= maxTopics {
			rejected = append(rejected, topic)
			continue
		}
		if _, dup := h.topics[topic][client]; dup {
			continue
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
	return rejected
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		drop[topic] = struct{}{}
		h.removeLocked(client, topic)
	}
	kept := client.Topics[:0]
	for _, topic := range client.Topics {
		if _, ok := drop[topic]; !ok {
			kept = append(kept, topic)
		}
	}
	client.Topics = kept
}

func (h *Hub) addLocked(client *Client, topic string) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// ProcessMessage applies an inbound client request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if rejected := h.Subscribe(client, msg.Topics); len(rejected) > 0 {
			h.log.Debug().Str("client_id", client.ID).Strs("topics", rejected).Msg("websocket subscription rejected")
		}
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish writes event to every subscriber of event.Topic without blocking.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.topics[event.Topic] {
		select {
		case client.Send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscribers on topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped returns how many frames were skipped because a client was slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Handler upgrades HTTP requests to websocket connections bound to a Hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a Handler. An empty origins list, or one containing "*",
// accepts any Origin header.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	anyOrigin := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if anyOrigin || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// RegisterRoutes mounts GET /ws on g behind m.
func (wh *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wh.HandleConnect, m...)
}

// HandleConnect upgrades the connection. Initial topics may be given as a
// comma-separated ?topics= query parameter.
func (wh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var topics []string
	if q := c.QueryParam("topics"); q != "" {
		topics = strings.Split(q, ",")
	}
	client := NewClient(topics...)
	wh.hub.Register(client)

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

func (wh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		wh.hub.ProcessMessage(client, msg)
	}
}

func (wh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
