package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/datastore/repository"
)

func (c *Controller) initReportRoutes() {
	c.Group.GET("/reports/species", c.GetSpeciesReport)
	c.Group.GET("/reports/timeline", c.GetTimelineReport)
	c.Group.GET("/reports/devices", c.GetDeviceReport)
	c.Group.GET("/reports/areas", c.GetAreaReport)
	c.Group.GET("/reports/confidence", c.GetConfidenceReport)
}

// ReportResponse wraps report rows with the filter that produced them.
type ReportResponse struct {
	Data    any            `json:"data"`
	Filters map[string]any `json:"filters"`
}

func reportFilters(f *repository.ReportFilter) map[string]any {
	m := map[string]any{}
	if f.Species != "" {
		m["species"] = f.Species
	}
	if f.ScientificName != "" {
		m["scientific_name"] = f.ScientificName
	}
	if f.DeviceID != "" {
		m["device_id"] = f.DeviceID
	}
	if f.MinConfidence > 0 {
		m["min_confidence"] = f.MinConfidence
	}
	if !f.Range.Start.IsZero() {
		m["start"] = f.Range.Start
	}
	if !f.Range.End.IsZero() {
		m["end"] = f.Range.End
	}
	if f.BBox != nil {
		m["bbox"] = f.BBox
	}
	return m
}

// GetSpeciesReport summarises detections per species.
func (c *Controller) GetSpeciesReport(ctx echo.Context) error {
	f, err := queryReportFilter(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid report filter")
	}
	limit, err := queryInt(ctx, "limit", 0)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid limit")
	}
	rows, err := c.deps.Reports.SpeciesSummary(ctx.Request().Context(), f, limit)
	if err != nil {
		return c.HandleError(ctx, err, "Report failed")
	}
	c.attachSummaryCatalog(ctx.Request().Context(), rows)
	return ctx.JSON(http.StatusOK, ReportResponse{Data: nonNil(rows), Filters: reportFilters(&f)})
}

// GetTimelineReport counts species per hour, day, week or month.
func (c *Controller) GetTimelineReport(ctx echo.Context) error {
	f, err := queryReportFilter(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid report filter")
	}
	bucket, err := repository.ParseBucket(ctx.QueryParam("bucket"))
	if err != nil {
		return c.HandleError(ctx, err, "Invalid bucket")
	}
	rows, err := c.deps.Reports.SpeciesCountsByTime(ctx.Request().Context(), f, bucket)
	if err != nil {
		return c.HandleError(ctx, err, "Report failed")
	}
	filters := reportFilters(&f)
	filters["bucket"] = string(bucket)
	return ctx.JSON(http.StatusOK, ReportResponse{Data: nonNil(rows), Filters: filters})
}

// GetDeviceReport counts species per device.
func (c *Controller) GetDeviceReport(ctx echo.Context) error {
	f, err := queryReportFilter(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid report filter")
	}
	rows, err := c.deps.Reports.SpeciesCountsByDevice(ctx.Request().Context(), f)
	if err != nil {
		return c.HandleError(ctx, err, "Report failed")
	}
	return ctx.JSON(http.StatusOK, ReportResponse{Data: nonNil(rows), Filters: reportFilters(&f)})
}

// GetAreaReport counts species per grid cell.
func (c *Controller) GetAreaReport(ctx echo.Context) error {
	f, err := queryReportFilter(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid report filter")
	}
	cell, err := queryFloat(ctx, "cell_size")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid cell size")
	}
	size := repository.DefaultCellSize
	if cell != nil {
		size = *cell
		if size <= 0 {
			return c.HandleError(ctx, badParam("cell_size", "must be positive"), "Invalid cell size")
		}
	}
	rows, err := c.deps.Reports.SpeciesCountsByArea(ctx.Request().Context(), f, size)
	if err != nil {
		return c.HandleError(ctx, err, "Report failed")
	}
	filters := reportFilters(&f)
	filters["cell_size"] = size
	return ctx.JSON(http.StatusOK, ReportResponse{Data: nonNil(rows), Filters: filters})
}

// GetConfidenceReport returns the confidence histogram.
func (c *Controller) GetConfidenceReport(ctx echo.Context) error {
	f, err := queryReportFilter(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid report filter")
	}
	rows, err := c.deps.Reports.ConfidenceDistribution(ctx.Request().Context(), f)
	if err != nil {
		return c.HandleError(ctx, err, "Report failed")
	}
	return ctx.JSON(http.StatusOK, ReportResponse{Data: nonNil(rows), Filters: reportFilters(&f)})
}

// nonNil keeps empty reports as [] rather than null.
func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
