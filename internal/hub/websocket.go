package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler serves plain WebSocket clients with the same subscribe
// protocol as the SockJS endpoint.
func (h *Hub) WebSocketHandler(tokens TokenParser) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identify(r, tokens)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug().Err(err).Msg("websocket upgrade")
			return
		}
		session := &wsSession{conn: conn}
		defer conn.Close()
		h.Serve(session, identity)
	})
}

type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSession) Recv() (string, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (s *wsSession) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *wsSession) Close(status uint32, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(int(status), reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return s.conn.Close()
}
