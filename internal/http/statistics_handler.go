package http

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"visitstats/internal/jobs"
	"visitstats/internal/stats"
	"visitstats/internal/timeframe"
)

// defaultRecentDays is used when /recent has no days parameter.
const defaultRecentDays = 7

// Recorder is the write path behind the visit endpoint.
type Recorder interface {
	RecordPageView(ctx context.Context, clientIP, userAgent string)
}

// StatsReader answers the read endpoints.
type StatsReader interface {
	Today() timeframe.Day
	GetByDate(ctx context.Context, day timeframe.Day) (stats.Aggregate, error)
	GetByRange(ctx context.Context, start, end timeframe.Day) ([]stats.Aggregate, error)
	GetRecent(ctx context.Context, n int) ([]stats.Aggregate, error)
	GetSummary(ctx context.Context) (stats.Summary, error)
}

// Syncer reconciles a day on demand.
type Syncer interface {
	SyncDate(ctx context.Context, day timeframe.Day) (jobs.ReconcileResult, error)
}

// StatisticsHandler serves /api/statistics.
type StatisticsHandler struct {
	Recorder Recorder
	Stats    StatsReader
	Syncer   Syncer
}

// VisitAction records one page view for the calling client. Storage problems
// never fail the request.
func (h *StatisticsHandler) VisitAction(ctx *cartridge.Context) error {
	if h.Recorder == nil {
		return fail(ctx, fiber.StatusServiceUnavailable, "visit recording is not available")
	}

	h.Recorder.RecordPageView(ctx.UserContext(), ClientIP(ctx.Ctx), ctx.Get(fiber.HeaderUserAgent))
	return ctx.JSON(fiber.Map{
		"status":  fiber.StatusOK,
		"message": "Visit recorded",
	})
}

// SummaryAction returns today, yesterday, week and month totals plus the
// last 7 and 30 days.
func (h *StatisticsHandler) SummaryAction(ctx *cartridge.Context) error {
	summary, err := h.Stats.GetSummary(ctx.UserContext())
	if err != nil {
		return readError(ctx, "summary", err)
	}
	return ok(ctx, summary)
}

// DateAction returns one day: GET /api/statistics/date?date=YYYY-MM-DD.
func (h *StatisticsHandler) DateAction(ctx *cartridge.Context) error {
	day, err := timeframe.ParseDay(ctx.Query("date"))
	if err != nil {
		return fail(ctx, fiber.StatusBadRequest, err.Error())
	}

	aggregate, err := h.Stats.GetByDate(ctx.UserContext(), day)
	if err != nil {
		return readError(ctx, "date", err)
	}
	return ok(ctx, aggregate)
}

// RangeAction returns stored days: GET /api/statistics/range?startDate=&endDate=.
func (h *StatisticsHandler) RangeAction(ctx *cartridge.Context) error {
	start, err := timeframe.ParseDay(ctx.Query("startDate"))
	if err != nil {
		return fail(ctx, fiber.StatusBadRequest, "startDate: "+err.Error())
	}
	end, err := timeframe.ParseDay(ctx.Query("endDate"))
	if err != nil {
		return fail(ctx, fiber.StatusBadRequest, "endDate: "+err.Error())
	}

	aggregates, err := h.Stats.GetByRange(ctx.UserContext(), start, end)
	if err != nil {
		return readError(ctx, "range", err)
	}
	return ok(ctx, aggregates)
}

// RecentAction returns the last n days, today first: GET /api/statistics/recent?days=7.
func (h *StatisticsHandler) RecentAction(ctx *cartridge.Context) error {
	days := defaultRecentDays
	if raw := ctx.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fail(ctx, fiber.StatusBadRequest, "days must be an integer")
		}
		days = n
	}

	aggregates, err := h.Stats.GetRecent(ctx.UserContext(), days)
	if err != nil {
		return readError(ctx, "recent", err)
	}
	return ok(ctx, aggregates)
}

// SyncAction reconciles a day now: POST /api/statistics/sync?date=YYYY-MM-DD.
// Without a date it reconciles today.
func (h *StatisticsHandler) SyncAction(ctx *cartridge.Context) error {
	day := h.Stats.Today()
	if raw := ctx.Query("date"); raw != "" {
		parsed, err := timeframe.ParseDay(raw)
		if err != nil {
			return fail(ctx, fiber.StatusBadRequest, err.Error())
		}
		day = parsed
	}
	if day.After(h.Stats.Today()) {
		return fail(ctx, fiber.StatusBadRequest, "cannot sync a future date")
	}

	result, err := h.Syncer.SyncDate(ctx.UserContext(), day)
	if err != nil {
		ctx.Logger.Error("Manual statistics sync failed", slog.String("date", day.String()), slog.Any("error", err))
		return fail(ctx, fiber.StatusServiceUnavailable, "sync failed")
	}
	return ok(ctx, result)
}

func ok(ctx *cartridge.Context, data any) error {
	return ctx.JSON(fiber.Map{
		"status": fiber.StatusOK,
		"data":   data,
	})
}

func fail(ctx *cartridge.Context, status int, message string) error {
	return ctx.Status(status).JSON(fiber.Map{
		"status": status,
		"error":  message,
	})
}

// readError maps query errors onto HTTP statuses.
func readError(ctx *cartridge.Context, endpoint string, err error) error {
	var rangeErr *stats.InvalidRangeError
	var unavailable *stats.StorageUnavailableError

	switch {
	case errors.Is(err, stats.ErrNotFound):
		return fail(ctx, fiber.StatusNotFound, "no statistics for the requested date")
	case errors.As(err, &rangeErr):
		return fail(ctx, fiber.StatusBadRequest, rangeErr.Error())
	case errors.As(err, &unavailable):
		ctx.Logger.Error("Statistics storage unavailable",
			slog.String("endpoint", endpoint),
			slog.String("tier", unavailable.Tier),
			slog.Any("error", err))
		return fail(ctx, fiber.StatusServiceUnavailable, unavailable.Tier+" unavailable")
	default:
		ctx.Logger.Error("Error fetching statistics", slog.String("endpoint", endpoint), slog.Any("error", err))
		return fail(ctx, fiber.StatusInternalServerError, "error fetching statistics")
	}
}
