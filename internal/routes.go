package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	"visitstats/internal/config"
	"visitstats/internal/http"
	"visitstats/internal/http/middleware"
)

// publicCORSConfig returns the standard CORS configuration for public endpoints.
// The visit beacon and the read endpoints are called from any site embedding
// the tracker or the dashboard.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

// NewRouteMounter returns the route mount function for the application.
func NewRouteMounter(cfg *config.Config, comp *Components, db http.Pinger) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		MountAppRoutes(srv, cfg, comp, db)
	}
}

// MountAppRoutes mounts all application routes using cartridge's route API
func MountAppRoutes(srv *cartridge.Server, cfg *config.Config, comp *Components, db http.Pinger) {
	logger := srv.GetLogger()

	// Helper to conditionally apply rate limiting (only in production)
	// In development/test, rate limiting would interfere with testing
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// One page view per page load; 120/min per IP leaves room for fast navigation.
	visitRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(120),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	// Read endpoints run range scans against the database.
	readRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(60),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	// ============================================
	// ROUTE CONFIGURATIONS
	// ============================================

	// Visit beacon: rate limiting + CORS. Browsers may post from any site;
	// server-side integrations send no Sec-Fetch-Site at all.
	visitConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		CustomMiddleware: []fiber.Handler{visitRateLimiter, middleware.FetchSite()},
		CORSConfig:       publicCORSConfig,
	}

	readConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		CustomMiddleware: []fiber.Handler{readRateLimiter},
		CORSConfig:       publicCORSConfig,
	}

	// Operator calls come from scripts and cron, guarded by the bearer token.
	adminConfig := &cartridge.RouteConfig{
		CustomMiddleware: []fiber.Handler{
			middleware.AdminTokenAuth(cfg.AdminToken, logger),
		},
	}

	statistics := &http.StatisticsHandler{
		Recorder: comp.Recorder,
		Stats:    comp.Stats,
		Syncer:   comp.Scheduler,
	}
	health := &http.HealthHandler{
		Database: db,
		Cache:    comp.Hot,
	}

	noContent := func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}

	// Health check endpoint
	srv.Get("/_health", health.IndexAction)
	srv.Head("/_health", health.IndexAction)

	// === STATISTICS API ===
	srv.Post("/api/statistics/visit", statistics.VisitAction, visitConfig)
	srv.Options("/api/statistics/visit", noContent, visitConfig)

	srv.Get("/api/statistics/summary", statistics.SummaryAction, readConfig)
	srv.Get("/api/statistics/date", statistics.DateAction, readConfig)
	srv.Get("/api/statistics/range", statistics.RangeAction, readConfig)
	srv.Get("/api/statistics/recent", statistics.RecentAction, readConfig)

	srv.Post("/api/statistics/sync", statistics.SyncAction, adminConfig)
}
