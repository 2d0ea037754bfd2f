package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdougie/tablevis/internal/plot"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// pushMessage is sent to the page after every re-render.
type pushMessage struct {
	Frame int    `json:"frame"`
	Title string `json:"title"`
	SVG   string `json:"svg"`
}

// handleWebsocket pushes every figure the session renders until the page
// goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, sess *session) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an error status.
		s.logger.Debug("Websocket upgrade failed", "session", sess.id, "error", err)
		return
	}
	defer conn.Close()

	figures, cancel := sess.dash.Subscribe()
	defer cancel()

	// The page never sends anything; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(figure *plot.Figure) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteJSON(pushMessage{Frame: figure.Frame, Title: figure.Title, SVG: string(figure.SVG)})
		if err != nil {
			s.logger.Debug("Websocket write failed", "session", sess.id, "error", err)
			return false
		}
		return true
	}

	if figure := sess.dash.Figure(); figure != nil && !send(figure) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case figure, ok := <-figures:
			if !ok || !send(figure) {
				return
			}
		}
	}
}
