package api

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// PaginatedResponse represents a paginated API response.
type PaginatedResponse struct {
	Data        any   `json:"data"`
	Total       int64 `json:"total"`
	Limit       int   `json:"limit"`
	Offset      int   `json:"offset"`
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
}

func newPaginatedResponse(data any, total int64, page repository.Page) PaginatedResponse {
	p := page.Normalize()
	return PaginatedResponse{
		Data:        data,
		Total:       total,
		Limit:       p.Limit,
		Offset:      p.Offset,
		CurrentPage: p.Offset/p.Limit + 1,
		TotalPages:  int((total + int64(p.Limit) - 1) / int64(p.Limit)),
	}
}

func badParam(name, format string, args ...any) error {
	return errors.Newf("invalid %s: "+format, append([]any{name}, args...)...).
		Component("api").
		Category(errors.CategoryValidation).
		Context("parameter", name).
		Build()
}

// queryFloat parses an optional float parameter.
func queryFloat(ctx echo.Context, name string) (*float64, error) {
	raw := strings.TrimSpace(ctx.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, badParam(name, "%q is not a number", raw)
	}
	return &v, nil
}

// queryInt parses an optional integer parameter, returning def when absent.
func queryInt(ctx echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(ctx.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badParam(name, "%q is not an integer", raw)
	}
	return v, nil
}

// parseTime accepts RFC 3339 timestamps and plain YYYY-MM-DD dates (UTC
// midnight).
func parseTime(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, badParam(name, "%q is neither RFC 3339 nor YYYY-MM-DD", raw)
}

// queryTimeRange reads start and end. A date-only end is inclusive of that
// whole day.
func queryTimeRange(ctx echo.Context) (repository.TimeRange, error) {
	var tr repository.TimeRange
	start, err := parseTime("start", ctx.QueryParam("start"))
	if err != nil {
		return tr, err
	}
	endRaw := strings.TrimSpace(ctx.QueryParam("end"))
	end, err := parseTime("end", endRaw)
	if err != nil {
		return tr, err
	}
	if len(endRaw) == len(time.DateOnly) && !end.IsZero() {
		end = end.AddDate(0, 0, 1)
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return tr, badParam("end", "must be after start")
	}
	tr.Start, tr.End = start, end
	return tr, nil
}

// queryBBox reads min_lat, min_lon, max_lat and max_lon. Either all four are
// present or none.
func queryBBox(ctx echo.Context) (*repository.BoundingBox, error) {
	names := []string{"min_lat", "min_lon", "max_lat", "max_lon"}
	vals := make([]*float64, len(names))
	present := 0
	for i, n := range names {
		v, err := queryFloat(ctx, n)
		if err != nil {
			return nil, err
		}
		if v != nil {
			present++
		}
		vals[i] = v
	}
	switch present {
	case 0:
		return nil, nil
	case len(names):
	default:
		return nil, badParam("bounding box", "min_lat, min_lon, max_lat and max_lon must be given together")
	}

	b := &repository.BoundingBox{MinLat: *vals[0], MinLon: *vals[1], MaxLat: *vals[2], MaxLon: *vals[3]}
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180 {
		return nil, badParam("bounding box", "coordinates out of range")
	}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return nil, badParam("bounding box", "minimum exceeds maximum")
	}
	return b, nil
}

func queryPage(ctx echo.Context) (repository.Page, error) {
	limit, err := queryInt(ctx, "limit", 0)
	if err != nil {
		return repository.Page{}, err
	}
	offset, err := queryInt(ctx, "offset", 0)
	if err != nil {
		return repository.Page{}, err
	}
	if limit < 0 || offset < 0 {
		return repository.Page{}, badParam("pagination", "limit and offset must not be negative")
	}
	return repository.Page{Limit: limit, Offset: offset}.Normalize(), nil
}

func queryConfidence(ctx echo.Context) (float64, error) {
	v, err := queryFloat(ctx, "min_confidence")
	if err != nil || v == nil {
		return 0, err
	}
	if *v < 0 || *v > 1 {
		return 0, badParam("min_confidence", "%v outside [0, 1]", *v)
	}
	return *v, nil
}

// queryReportFilter reads the filters shared by every report.
func queryReportFilter(ctx echo.Context) (repository.ReportFilter, error) {
	var f repository.ReportFilter
	var err error
	if f.Range, err = queryTimeRange(ctx); err != nil {
		return f, err
	}
	if f.BBox, err = queryBBox(ctx); err != nil {
		return f, err
	}
	if f.MinConfidence, err = queryConfidence(ctx); err != nil {
		return f, err
	}
	f.Species = strings.TrimSpace(ctx.QueryParam("species"))
	f.ScientificName = strings.TrimSpace(ctx.QueryParam("scientific_name"))
	f.DeviceID = strings.TrimSpace(ctx.QueryParam("device_id"))
	return f, nil
}
