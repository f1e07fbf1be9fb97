package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/scout/internal/store"
)

type ArticlesHandler struct {
	Store *store.Store
}

func (h *ArticlesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
}

type articleResponse struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	URL              string     `json:"url"`
	SourceName       string     `json:"source_name"`
	AnalysisStatus   string     `json:"analysis_status"`
	Industry         string     `json:"industry,omitempty"`
	Department       string     `json:"department,omitempty"`
	AITechnology     []string   `json:"ai_technology,omitempty"`
	BusinessImpact   string     `json:"business_impact,omitempty"`
	TechnicalDetails string     `json:"technical_details,omitempty"`
	KeyInsights      []string   `json:"key_insights,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	DiscoveredAt     time.Time  `json:"discovered_at"`
	AnalyzedAt       *time.Time `json:"analyzed_at,omitempty"`
}

func (h *ArticlesHandler) list(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	articles, err := h.Store.ListArticles(c.Request().Context(), userID, limit)
	if err != nil {
		return err
	}
	out := make([]articleResponse, 0, len(articles))
	for _, a := range articles {
		out = append(out, articleResponse{
			ID: a.ID, Title: a.Title, URL: a.URL, SourceName: a.SourceName,
			AnalysisStatus: a.AnalysisStatus, Industry: a.Industry,
			Department: a.Department, AITechnology: a.AITechnology,
			BusinessImpact: a.BusinessImpact, TechnicalDetails: a.TechnicalDetails,
			KeyInsights: a.KeyInsights, Summary: a.Summary, Tags: a.Tags,
			DiscoveredAt: a.DiscoveredAt, AnalyzedAt: a.AnalyzedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
