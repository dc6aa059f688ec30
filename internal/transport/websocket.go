package transport

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efsecnet/efsec/internal/relay"
)

var wsLogger = log.New(log.Writer(), "[transport] ", log.LstdFlags|log.LUTC)

// upgrader mirrors the teacher's websocket handler: origin checking is left
// to the CORS layer in front of it, and buffers match typical envelope
// sizes rather than media payloads.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// PushHandler upgrades an authenticated request to a WebSocket and streams
// new-envelope-id notifications for the caller's inbox. The socket carries
// only ids; the client still calls GET /e2e/messages/ephemeral to fetch and
// decrypt the bodies, keeping ciphertext off of a connection that isn't
// itself part of the Double Ratchet transcript.
func PushHandler(rel *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := FromContext(r.Context())
		if !ok {
			http.Error(w, "missing principal", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			wsLogger.Printf("upgrade failed for user=%s: %v", principal.UserID, err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ids, closeSub := rel.Subscribe(ctx, principal.UserID)
		defer closeSub()

		go readPump(conn, cancel)
		writePump(conn, ids)
	}
}

// readPump drains and discards client frames, only watching for close/error
// so the write side notices a dead connection. Push is server-to-client
// only; the client never sends application data over this socket.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, ids <-chan string) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case id, ok := <-ids:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(id)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
