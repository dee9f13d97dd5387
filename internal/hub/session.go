package hub

import (
	"net/http"
	"strings"

	"qms/hospital-queue/internal/auth"

	"github.com/google/uuid"
)

// Close codes sent to realtime clients.
const (
	CloseInvalidToken = 4002
	CloseAccessDenied = 4003
)

// Session is one bidirectional text connection. sockjs.Session satisfies it
// directly; WebSocket connections are adapted.
type Session interface {
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

// TokenParser resolves a bearer token to an identity.
type TokenParser interface {
	Parse(raw string) (auth.Identity, error)
}

// Serve registers a client for session and processes its subscribe and
// unsubscribe messages until the session ends.
func (h *Hub) Serve(session Session, identity auth.Identity) {
	client := h.NewClient(uuid.NewString(), identity)
	h.Register(client)
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("send failed")
			}
		}
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		msg, ok := ParseSubscribe([]byte(raw))
		if !ok {
			continue
		}
		scope, err := msg.Target()
		if err != nil {
			continue
		}
		if msg.Action == "unsubscribe" {
			h.Unsubscribe(client, scope)
			continue
		}
		if err := Authorize(identity, scope); err != nil {
			h.logger.Info().Str("client_id", client.ID).Str("scope", scope.String()).Msg("subscription denied")
			_ = session.Close(CloseAccessDenied, "access denied")
			return
		}
		h.Subscribe(client, scope)
	}
}

// identify resolves the optional bearer token of r. ok is false when a
// token was given but is invalid.
func identify(r *http.Request, tokens TokenParser) (auth.Identity, bool) {
	raw := tokenFromRequest(r)
	if raw == "" || tokens == nil {
		return nil, raw == ""
	}
	identity, err := tokens.Parse(raw)
	if err != nil {
		return nil, false
	}
	return identity, true
}

func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
