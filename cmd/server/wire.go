//go:build wireinject
// +build wireinject

package main

import (
	"net/http"

	"github.com/google/wire"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/handler"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
	"github.com/Wei-Shaw/codexmanager/internal/server"
	"github.com/Wei-Shaw/codexmanager/internal/service"
)

// Application bundles the HTTP server with everything main needs to run and
// stop the gateway.
type Application struct {
	Server   *http.Server
	Runner   *service.BackgroundRunner
	Recorder *service.RequestRecorder
	Poller   *service.UsagePollerService
	Store    *repository.Store
	Config   *config.Config
}

func initializeApplication() (*Application, error) {
	wire.Build(
		config.ProviderSet,
		repository.ProviderSet,
		service.ProviderSet,
		handler.ProviderSet,
		server.ProviderSet,

		wire.Struct(new(Application), "Server", "Runner", "Recorder", "Poller", "Store", "Config"),
	)
	return nil, nil
}
