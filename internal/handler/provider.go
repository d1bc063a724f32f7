package handler

import "github.com/google/wire"

// ProviderSet exposes the HTTP handlers to wire.
var ProviderSet = wire.NewSet(NewGatewayHandler, NewRPCHandler)
