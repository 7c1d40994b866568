package http

import (
	"bufio"
	"time"

	"inbox_server/adapter/out/realtime"
	"inbox_server/core/port/out"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// =============================================================================
// SSE Handler
// =============================================================================

// SSEHandler streams realtime events to authenticated clients.
type SSEHandler struct {
	hub      *realtime.SSEHub
	realtime out.RealtimePort
	log      zerolog.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(hub *realtime.SSEHub, port out.RealtimePort, log zerolog.Logger) *SSEHandler {
	return &SSEHandler{
		hub:      hub,
		realtime: port,
		log:      log.With().Str("handler", "sse").Logger(),
	}
}

// Register registers SSE routes.
func (h *SSEHandler) Register(app fiber.Router) {
	app.Get("/events", h.Stream)
	app.Get("/events/status", h.Status)
}

// Stream handles one SSE connection until the client drops.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	client := h.hub.CreateClient(userID)
	h.log.Info().Str("user_id", userID).Msg("SSE client connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(client.HeartbeatInterval())
		defer ticker.Stop()
		defer func() {
			client.Close()
			h.log.Info().Str("user_id", userID).Msg("SSE client disconnected")
		}()

		w.WriteString("event: connected\n")
		w.WriteString("data: {\"status\":\"connected\"}\n\n")
		w.Flush()

		for {
			select {
			case event, ok := <-client.Events:
				if !ok {
					return
				}

				data, err := realtime.SerializeEvent(event)
				if err != nil {
					h.log.Error().Err(err).Msg("failed to serialize event")
					continue
				}

				w.WriteString("event: ")
				w.WriteString(string(event.Type))
				w.WriteString("\n")
				w.WriteString("data: ")
				w.Write(data)
				w.WriteString("\n\n")

				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during write")
					return
				}

			case <-ticker.C:
				w.WriteString(": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during heartbeat")
					return
				}

			case <-client.Done:
				return
			}
		}
	})

	return nil
}

// Status reports whether the viewer has live listeners.
func (h *SSEHandler) Status(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	return c.JSON(fiber.Map{
		"user_id":         userID,
		"connected":       h.realtime.IsConnected(userID),
		"connected_users": h.realtime.ConnectedCount(),
	})
}
