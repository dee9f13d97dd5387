// Package hub keeps the set of connected realtime clients and routes
// published events to the clients subscribed to their scopes.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strings"
	"sync"

	"qms/hospital-queue/internal/auth"
	"qms/hospital-queue/internal/notify"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownScope = errors.New("unknown scope")
	ErrAccessDenied = errors.New("access denied")
)

var (
	clientsConnected = expvar.NewInt("realtime_clients")
	messagesDropped  = expvar.NewInt("realtime_dropped_total")
)

type Client struct {
	ID       string
	Identity auth.Identity
	Send     chan []byte
	scopes   map[notify.Scope]struct{}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	buffer  int
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action string `json:"action"`
	Scope  string `json:"scope"`
	ID     string `json:"id"`
}

var _ notify.Broadcaster = (*Hub)(nil)

// New returns a hub whose clients buffer up to buffer outbound frames.
func New(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{clients: make(map[string]*Client), buffer: buffer, logger: logger}
}

func (h *Hub) NewClient(id string, identity auth.Identity) *Client {
	return &Client{
		ID:       id,
		Identity: identity,
		Send:     make(chan []byte, h.buffer),
		scopes:   make(map[notify.Scope]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	clientsConnected.Add(1)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	clientsConnected.Add(-1)
}

func (h *Hub) Subscribe(client *Client, scope notify.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.scopes[scope] = struct{}{}
}

func (h *Hub) Unsubscribe(client *Client, scope notify.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.scopes, scope)
}

// Subscribers counts clients subscribed to scope. Every client receives
// global events, so the global count is the client count.
func (h *Hub) Subscribers(scope notify.Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if scope.Kind == notify.ScopeGlobal {
		return len(h.clients)
	}
	count := 0
	for _, client := range h.clients {
		if _, ok := client.scopes[scope]; ok {
			count++
		}
	}
	return count
}

// Publish sends each event at most once to every client that matches one of
// its scopes. A full client buffer drops the frame.
func (h *Hub) Publish(ctx context.Context, events ...notify.Event) {
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			h.logger.Error().Err(err).Str("type", string(event.Kind)).Msg("encode event")
			continue
		}
		h.broadcast(event, payload)
	}
}

func (h *Hub) broadcast(event notify.Event, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !wants(client, event) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			messagesDropped.Add(1)
			h.logger.Warn().Str("client_id", client.ID).Str("type", string(event.Kind)).Msg("drop message")
		}
	}
}

func wants(client *Client, event notify.Event) bool {
	for _, scope := range event.Scopes {
		if scope.Kind == notify.ScopeGlobal {
			return true
		}
		if _, ok := client.scopes[scope]; ok {
			return true
		}
	}
	return false
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

// Target resolves the message to a scope a client may subscribe to.
func (m SubscribeMessage) Target() (notify.Scope, error) {
	id := strings.TrimSpace(m.ID)
	if id == "" {
		return notify.Scope{}, ErrUnknownScope
	}
	switch notify.ScopeKind(strings.ToLower(strings.TrimSpace(m.Scope))) {
	case notify.ScopeDepartment:
		return notify.Department(id), nil
	case notify.ScopeTicket:
		return notify.Ticket(id), nil
	case notify.ScopePatient:
		return notify.Patient(id), nil
	default:
		return notify.Scope{}, ErrUnknownScope
	}
}

// Authorize checks whether identity may subscribe to scope. identity is nil
// for anonymous connections.
func Authorize(identity auth.Identity, scope notify.Scope) error {
	if scope.Kind == notify.ScopePatient && !auth.CanSubscribePatient(identity, scope.ID) {
		return ErrAccessDenied
	}
	return nil
}
