package server

import (
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/scout/internal/store"
)

type SourcesHandler struct {
	Store *store.Store
}

func (h *SourcesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("", h.create)
	g.PATCH("/:id", h.update)
	g.DELETE("/:id", h.delete)
}

type sourceRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Kind   string `json:"kind"`
}

type sourceResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toSourceResponse(s store.Source) sourceResponse {
	return sourceResponse{
		ID: s.ID, UserID: s.UserID, Name: s.Name, URL: s.URL,
		Kind: s.Kind, Status: s.Status, CreatedAt: s.CreatedAt,
	}
}

func (h *SourcesHandler) list(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	sources, err := h.Store.ListSources(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, s := range sources {
		out = append(out, toSourceResponse(s))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SourcesHandler) create(c echo.Context) error {
	var req sourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url must be absolute http(s)")
	}
	if req.Kind == "" {
		req.Kind = "website"
	}
	src, err := h.Store.CreateSource(c.Request().Context(), req.UserID, req.Name, req.URL, req.Kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toSourceResponse(src))
}

type sourcePatch struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

func (h *SourcesHandler) update(c echo.Context) error {
	var req sourcePatch
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.UserID == "" || req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and status are required")
	}
	err := h.Store.UpdateSourceStatus(c.Request().Context(), c.Param("id"), req.UserID, req.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": req.Status})
}

func (h *SourcesHandler) delete(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	err := h.Store.DeleteSource(c.Request().Context(), c.Param("id"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
