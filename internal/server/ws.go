package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/aegisrpa/aegis/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket streams status events for one session until the session
// reaches a terminal state or the client disconnects. Connecting to a
// session that is already terminal sends its stored record and closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	current := s.manager.Get(id)
	if current == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	if current.Status.IsTerminal() {
		sendTerminalSnapshot(conn, current)
		return
	}

	events, cancel := s.publisher.Subscribe(id)

	// The session may have finalized between the lookup above and the
	// subscribe, in which case the topic was already closed and this
	// subscription would never receive an event or a close. Re-check and
	// serve the terminal record instead of leaving the client hanging.
	if latest := s.manager.Get(id); latest != nil && latest.Status.IsTerminal() {
		cancel()
		sendTerminalSnapshot(conn, latest)
		return
	}

	go writePump(conn, events, cancel)
	go readPump(conn, cancel)
}

// sendTerminalSnapshot writes the finished session record followed by a
// normal close.
func sendTerminalSnapshot(conn *websocket.Conn, sess *session.ExecutionSession) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if data, err := json.Marshal(sess); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session already finished"))
	conn.Close()
}

// writePump pumps status events to the WebSocket connection. The events
// channel is closed by the publisher after the terminal event, which ends
// the loop with a normal close.
func writePump(conn *websocket.Conn, events <-chan session.StatusEvent, cancel func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("failed to marshal status event: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pongs and client closes are seen.
func readPump(conn *websocket.Conn, cancel func()) {
	defer func() {
		cancel()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
	}
}
