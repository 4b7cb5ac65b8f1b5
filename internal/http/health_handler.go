package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
)

// Pinger is anything that can report whether its backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	DBStatus    string    `json:"db_status"`
	CacheStatus string    `json:"cache_status"`
}

// HealthHandler reports database and cache reachability.
type HealthHandler struct {
	Database Pinger
	Cache    Pinger
	Timeout  time.Duration
}

// IndexAction handles the health check endpoint. A failing tier degrades the
// status; the service keeps answering 200 while the database is up because
// writes survive a cache outage.
func (h *HealthHandler) IndexAction(ctx *cartridge.Context) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx.UserContext(), timeout)
	defer cancel()

	health := HealthStatus{
		Status:      "ok",
		Timestamp:   time.Now(),
		DBStatus:    h.check(ctx, pingCtx, "database", h.Database),
		CacheStatus: h.check(ctx, pingCtx, "cache", h.Cache),
	}

	if health.DBStatus != "ok" {
		health.Status = "error"
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(health)
	}
	if health.CacheStatus != "ok" {
		health.Status = "degraded"
	}
	return ctx.JSON(health)
}

func (h *HealthHandler) check(ctx *cartridge.Context, pingCtx context.Context, tier string, p Pinger) string {
	if p == nil {
		ctx.Logger.Error("Health check target missing", slog.String("tier", tier))
		return "error"
	}
	if err := p.Ping(pingCtx); err != nil {
		ctx.Logger.Error("Health ping failed", slog.String("tier", tier), slog.Any("error", err))
		return "error"
	}
	return "ok"
}
