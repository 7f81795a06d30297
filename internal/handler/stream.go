package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/middleware"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	ws "github.com/makeasinger/songforge/internal/websocket"
)

const initialStatusKey = "initialStatus"

// StreamHandler pushes song status changes over WebSocket
type StreamHandler struct {
	service *service.SongService
	hub     *ws.Hub
}

func NewStreamHandler(svc *service.SongService, hub *ws.Hub) *StreamHandler {
	return &StreamHandler{service: svc, hub: hub}
}

// Authorize checks ownership before the upgrade and stashes the current
// status for the first frame.
func (h *StreamHandler) Authorize(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	status, err := h.service.SongStatus(c.UserContext(), middleware.GetUserID(c), c.Params("songId"))
	if err != nil {
		return songError(c, err)
	}

	c.Locals(initialStatusKey, status)
	return c.Next()
}

// Serve handles GET /ws/songs/:songId
func (h *StreamHandler) Serve() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		songID := conn.Params("songId")

		var initial []byte
		if status, ok := conn.Locals(initialStatusKey).(model.SongStatus); ok {
			initial, _ = ws.StatusMessage(songID, status)
		}
		h.hub.HandleConnection(conn, songID, initial)
	})
}
