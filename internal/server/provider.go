package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"

	"github.com/Wei-Shaw/codexmanager/internal/config"
)

// ProvideHTTPServer binds the engine to the configured listen address.
func ProvideHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}
}

// ProviderSet exposes the server constructors to wire.
var ProviderSet = wire.NewSet(NewRouter, ProvideHTTPServer)
