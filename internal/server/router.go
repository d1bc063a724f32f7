// Package server assembles the gin engine for the local gateway.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/handler"
	"github.com/Wei-Shaw/codexmanager/internal/server/middleware"
)

// NewRouter builds the front surface: /rpc for local control, everything
// else is candidate forwarding.
func NewRouter(cfg *config.Config, gateway *handler.GatewayHandler, rpc *handler.RPCHandler) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(), middleware.RequestLogging())

	rpcToken, err := cfg.ResolveRPCToken()
	if err != nil {
		return nil, err
	}
	engine.POST("/rpc", middleware.RPCTokenAuth(rpcToken), rpc.Handle)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.NoRoute(gateway.Handle)
	return engine, nil
}
