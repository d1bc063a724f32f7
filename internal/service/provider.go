package service

import "github.com/google/wire"

// ProviderSet exposes the gateway core constructors to wire.
var ProviderSet = wire.NewSet(
	NewGatewayState,
	NewUpstreamClientPool,
	NewCandidateSelector,
	NewTokenRefreshService,
	NewUsagePollerService,
	NewKeepaliveService,
	NewBackgroundRunner,
	NewRequestRecorder,
	NewGatewayService,
)
