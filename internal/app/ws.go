package app

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"studiodesk/api/internal/workspace"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type streamFrame struct {
	Type  string          `json:"type"`
	State workspace.State `json:"state"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.corsOrigin
		},
	}
}

// serveStream pushes a full snapshot on connect and after every workspace
// change. Clients only read; anything they send besides pongs is dropped.
func (s *HTTPServer) serveStream(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("app: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	versions, unsubscribe := ws.Subscribe()
	defer unsubscribe()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("app: websocket read: %v", err)
				}
				return
			}
		}
	}()

	send := func() bool {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		if err := conn.WriteJSON(streamFrame{Type: "state", State: ws.Snapshot()}); err != nil {
			log.Printf("app: websocket write: %v", err)
			return false
		}
		return true
	}
	if !send() {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case _, ok := <-versions:
			if !ok || !send() {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
