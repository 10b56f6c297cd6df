package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/task/service"
	ws "github.com/taskforge/taskforge/pkg/websocket"
)

// Gateway bundles the WebSocket hub, dispatcher, and connection handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates the gateway with all action handlers registered.
// gapFillLimit caps how many missed events one subscription replays.
func NewGateway(svc *service.Service, gapFillLimit int, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHandlers(dispatcher, svc)
	hub.SetGapFillProvider(func(_ context.Context, taskID string, afterID int64) ([]*ws.Message, bool, error) {
		missed, truncated := svc.EventsAfter(afterID, gapFillLimit)
		msgs := make([]*ws.Message, 0, len(missed))
		for _, se := range missed {
			if se.StreamID != taskID {
				continue
			}
			msg, err := ws.NewNotification(ws.ActionTaskEvent, se)
			if err != nil {
				return nil, false, err
			}
			msgs = append(msgs, msg)
		}
		return msgs, truncated, nil
	})

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
