package hub

import (
	"net/http"

	"github.com/igm/sockjs-go/sockjs"
)

// SockJSHandler serves SockJS clients under prefix, e.g. "/realtime".
func (h *Hub) SockJSHandler(prefix string, tokens TokenParser) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		identity, ok := identify(session.Request(), tokens)
		if !ok {
			_ = session.Close(CloseInvalidToken, "invalid token")
			return
		}
		h.Serve(session, identity)
	})
}
