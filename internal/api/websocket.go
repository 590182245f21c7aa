package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers reach this service through the platform proxy, which
		// strips foreign origins
		return true
	},
}

// WebSocketHandler streams the caller's school events over a websocket.
// Each connection gets its own subscriber; a client that stops reading
// loses events rather than stalling others.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade websocket connection")
		return
	}

	sub := h.events.Subscribe(claims.SchoolID)

	log := h.logger.WithFields(logrus.Fields{
		"school_id":   claims.SchoolID,
		"remote_addr": r.RemoteAddr,
	})
	log.Info("Websocket client connected")

	go h.wsWritePump(conn, sub, log)
	h.wsReadPump(conn, sub, log)
}

// wsWritePump forwards subscriber events to the client and keeps the
// connection alive with pings
func (h *Handlers) wsWritePump(conn *websocket.Conn, sub *events.Subscriber, log *logrus.Entry) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.WithError(err).Debug("Failed to write websocket event")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadPump drains client frames until the connection drops, then
// detaches the subscriber
func (h *Handlers) wsReadPump(conn *websocket.Conn, sub *events.Subscriber, log *logrus.Entry) {
	defer func() {
		sub.Close()
		conn.Close()
		log.Info("Websocket client disconnected")
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Websocket connection error")
			}
			return
		}
	}
}
