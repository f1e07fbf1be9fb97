package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/scout/internal/pipeline"
	"github.com/mohammad-safakhou/scout/internal/store"
)

// Trigger starts a pipeline run asynchronously.
type Trigger interface {
	Start(ctx context.Context, userID string) (string, error)
}

type RunsHandler struct {
	Store *store.Store
	Orch  Trigger
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("/trigger", h.trigger)
	g.POST("/:id/cancel", h.cancel)
	g.GET("/:id", h.get)
	g.GET("", h.list)
	g.GET("/:id/events", h.events)
}

type triggerRequest struct {
	UserID string `json:"user_id"`
}

type runResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SourcesChecked int        `json:"sources_checked"`
	ItemsFound     int        `json:"items_found"`
	ItemsQueued    int        `json:"items_queued"`
	ItemsScraped   int        `json:"items_scraped"`
	ItemsAnalyzed  int        `json:"items_analyzed"`
	Error          string     `json:"error,omitempty"`
}

func toRunResponse(r store.Run) runResponse {
	return runResponse{
		ID: r.ID, UserID: r.UserID, Status: r.Status,
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		SourcesChecked: r.SourcesChecked, ItemsFound: r.ItemsFound,
		ItemsQueued: r.ItemsQueued, ItemsScraped: r.ItemsScraped,
		ItemsAnalyzed: r.ItemsAnalyzed, Error: r.Error,
	}
}

func (h *RunsHandler) trigger(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	runID, err := h.Orch.Start(c.Request().Context(), req.UserID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			return echo.NewHTTPError(http.StatusConflict, "a run is already active for this user")
		}
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

func (h *RunsHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	ok, err := h.Store.CancelRun(c.Request().Context(), id, userID)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "run is not running")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": store.RunStatusCancelled})
}

func (h *RunsHandler) get(c echo.Context) error {
	run, err := h.Store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, toRunResponse(run))
}

func (h *RunsHandler) list(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	runs, err := h.Store.ListRuns(c.Request().Context(), userID, 50)
	if err != nil {
		return err
	}
	out := make([]runResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

type eventResponse struct {
	Timestamp time.Time       `json:"ts"`
	Stage     string          `json:"stage"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func (h *RunsHandler) events(c echo.Context) error {
	events, err := h.Store.ListEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			Timestamp: e.Timestamp, Stage: e.Stage,
			EventType: e.EventType, Message: e.Message,
			Metadata: e.Metadata,
		})
	}
	return c.JSON(http.StatusOK, out)
}
