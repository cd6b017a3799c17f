package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/internal/model"
	ws "github.com/reelcraft/api/internal/websocket"
)

// WSHandler upgrades /ws/jobs/:jobId and streams snapshots from the hub.
type WSHandler struct {
	hub     *ws.Hub
	renders Renderer
}

func NewWSHandler(hub *ws.Hub, renders Renderer) *WSHandler {
	return &WSHandler{hub: hub, renders: renders}
}

// Upgrade rejects plain HTTP requests to the socket route.
func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WSHandler) Serve() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		h.hub.HandleConnection(c, jobID, h.initial(jobID))
	})
}

// initial is the job's current snapshot, sent before any live update.
func (h *WSHandler) initial(jobID string) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := h.renders.Status(ctx, jobID)
	if err != nil {
		return nil
	}
	data, err := json.Marshal(model.MessageFor(snap))
	if err != nil {
		return nil
	}
	return data
}
