package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"rover-backend/models"
)

// WSConn - a relay connection as served by the hub
type WSConn interface {
	Conn
	ReadMessage() (messageType int, p []byte, err error)
}

// UpgradeGuard rejects plain HTTP requests on the websocket route.
func UpgradeGuard(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler - fiber websocket handler; the session_id query value is kept
// for logs and listings only.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		h.ServeConn(c, c.Query("session_id"))
	})
}

// ServeConn runs the read loop of one connection until it closes. The first
// message must announce the role; a connection announcing anything else stays
// open but unregistered and can only ping.
func (h *Hub) ServeConn(conn WSConn, session string) {
	client := NewClient(conn, session)
	log := h.log.WithField("session", session)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("conn_id", client.ID).Errorf("relay handler panic: %v", r)
			client.closeWith(websocket.CloseInternalServerErr, "internal error", h.sendTimeout)
		}
		h.Unregister(client)
		_ = conn.Close()
	}()

	announced := false
	registered := false

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("conn_id", client.ID).Warnf("read failed: %v", err)
			} else {
				log.WithField("conn_id", client.ID).Debugf("connection closed: %v", err)
			}
			return
		}

		msg, err := models.DecodeMessage(data)
		if err != nil {
			log.WithField("conn_id", client.ID).Warnf("closing connection: %v", err)
			h.record(models.RelayEvent{
				EventType: models.EventMalformed, ConnID: client.ID, Role: string(client.Role),
				Session: session, Detail: truncate(string(data), 256),
			})
			client.closeWith(websocket.CloseUnsupportedData, "malformed payload", h.sendTimeout)
			return
		}

		if !announced {
			announced = true
			if err := h.Register(client, msg.Role); err != nil {
				log.WithFields(logrus.Fields{"role": msg.Role, "kind": msg.Kind}).
					Warn("first message did not declare a known role; connection left unregistered")
				continue
			}
			registered = true
			continue
		}

		if !registered {
			if msg.Kind == models.KindPing {
				if err := h.HandlePing(client, msg); err != nil {
					log.Debugf("pong failed: %v", err)
					return
				}
			}
			continue
		}

		if err := h.Dispatch(client, msg); err != nil {
			if errors.Is(err, ErrNotConnected) {
				// removed after a failed send; the socket is already closed
				return
			}
			log.WithField("conn_id", client.ID).Errorf("dispatch failed: %v", err)
			client.closeWith(websocket.CloseInternalServerErr, "internal error", h.sendTimeout)
			return
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
