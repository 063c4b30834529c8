package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
)

func (c *Controller) initAnalysisRoutes() {
	c.Group.GET("/analyses", c.SearchAnalyses)
	c.Group.GET("/analyses/:id", c.GetAnalysis)
}

// SearchAnalyses handles GET /analyses.
func (c *Controller) SearchAnalyses(ctx echo.Context) error {
	filter := &repository.AnalysisFilter{
		Species:        strings.TrimSpace(ctx.QueryParam("species")),
		ScientificName: strings.TrimSpace(ctx.QueryParam("scientific_name")),
		DeviceID:       strings.TrimSpace(ctx.QueryParam("device_id")),
	}
	var err error
	if filter.MinConfidence, err = queryConfidence(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid confidence")
	}
	if filter.Range, err = queryTimeRange(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid date range")
	}
	if filter.BBox, err = queryBBox(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid bounding box")
	}
	if filter.Page, err = queryPage(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid pagination")
	}

	rows, total, err := c.deps.Analyses.Search(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Search failed")
	}
	rows = nonNil(rows)
	c.attachCatalog(ctx.Request().Context(), rows)
	return ctx.JSON(http.StatusOK, newPaginatedResponse(rows, total, filter.Page))
}

// GetAnalysis returns one detection with its recording.
func (c *Controller) GetAnalysis(ctx echo.Context) error {
	row, err := c.deps.Analyses.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Analysis not available")
	}
	rows := []entities.Analysis{*row}
	c.attachCatalog(ctx.Request().Context(), rows)
	return ctx.JSON(http.StatusOK, rows[0])
}
