package stream

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const writeWait = 10 * time.Second

// SnapshotFunc returns the message a new subscriber of sessionID receives before live events,
// or false when there is nothing to replay.
type SnapshotFunc func(sessionID string) ([]byte, bool)

// RegisterRoutes serves /ws/:sessionID. snapshot may be nil.
func RegisterRoutes(r fiber.Router, hub *Hub, snapshot SnapshotFunc) {
	r.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	r.Get("/ws/:sessionID", websocket.New(func(c *websocket.Conn) {
		sessionID := c.Params("sessionID")
		client := hub.Register(sessionID)

		if snapshot != nil {
			if msg, ok := snapshot(sessionID); ok {
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					hub.Unregister(client)
					return
				}
			}
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range client.Send {
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		// the read loop only detects the peer going away; subscribers never send
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		// closes client.Send, which ends the writer
		hub.Unregister(client)
		<-done
	}))
}
