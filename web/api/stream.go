package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamHandler upgrades to a websocket that first replays the PR's buffered
// lines and then follows new ones. Each message is one JSON-encoded
// logbuf.Line. The stream ends when the session is replaced or reaped.
func (s *Server) streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pr, err := prFromQuery(r)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		snapshot, lines, cancel, err := s.previews.Subscribe(pr)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		defer cancel()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied
			s.log.Debug("websocket upgrade failed", "pr", pr, "error", err)
			return
		}
		defer conn.Close()

		// Reader: only control frames are expected; a read error means the
		// client went away
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.log.Debug("log stream read error", "pr", pr, "error", err)
					}
					return
				}
			}
		}()

		send := func(v any) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteMessage(websocket.TextMessage, data)
		}

		for _, line := range snapshot {
			if err := send(line); err != nil {
				return
			}
		}

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log closed"),
						time.Now().Add(writeWait))
					return
				}
				if err := send(line); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
