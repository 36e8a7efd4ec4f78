package ingress

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/smilelab/smile/internal/events"
	"github.com/smilelab/smile/internal/state"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The ingress is bound to loopback; local observer UIs connect from
	// arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

type connectedFrame struct {
	Event string           `json:"event"`
	State *state.LoopState `json:"state"`
}

// handleWS upgrades the connection and streams loop events: a connected
// frame with the current state first, then live events from the bus.
// The observation channel is read-only and unauthenticated.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Cancel()

	if err := writeFrame(conn, connectedFrame{Event: "connected", State: s.api.Snapshot()}); err != nil {
		return
	}

	// Drain client frames so pings/pongs and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if e.Kind == events.KindSnapshot {
				// Already delivered as the connected frame.
				continue
			}
			if err := writeFrame(conn, e); err != nil {
				return
			}
			if e.Kind == events.KindClosed {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame)
}
