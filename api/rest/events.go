package rest

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/sysarray/pkg/logger"
)

// setupEventRoutes streams topology events on /api/v1/events, one JSON
// object per WebSocket text message.
func (s *Server) setupEventRoutes(api fiber.Router) {
	api.Use("/events", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	api.Get("/events", fiberws.New(func(conn *fiberws.Conn) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// reader only notices the client going away
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for ev := range s.array.Watch(ctx) {
			data, err := sonic.Marshal(ev)
			if err != nil {
				logger.Warn("api: encode event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				return
			}
		}
	}))
}
