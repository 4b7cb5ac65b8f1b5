package http

import (
	"github.com/karloscodes/cartridge"

	"visitstats/internal/http/middleware"
)

// NewServerConfig returns the cartridge server settings for the statistics
// API. Cartridge's global Sec-Fetch-Site check runs before any route
// middleware and rejects requests without the header, which would block
// server-side visit reporting and the token-guarded sync call. It is turned
// off here and routes attach middleware.FetchSite where they want it.
func NewServerConfig() *cartridge.ServerConfig {
	cfg := cartridge.DefaultServerConfig()
	cfg.EnableSecFetchSite = false
	cfg.SecFetchSiteAllowedValues = middleware.AllowedFetchSites
	return cfg
}
