package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/gunaso/gunaso/internal/common/logger"
	ws "github.com/gunaso/gunaso/pkg/websocket"
)

// Gateway bundles the hub, the action dispatcher and the HTTP upgrade
// handler. main wires domain handlers onto Dispatcher and the status
// broadcaster onto Hub after construction.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
}

// NewGateway assembles the gateway with the health action preinstalled.
// Hub.Run still has to be started by the caller.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	RegisterHealthHandler(dispatcher)

	hub := NewHub(dispatcher, log)
	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    NewHandler(hub, log),
	}
}

// SetupRoutes mounts the upgrade endpoint. Complainant sessions and
// grievance watchers share the single /ws route; rooms are joined after
// the upgrade via subscribe messages.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
