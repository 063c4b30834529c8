package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/recording"
)

func (c *Controller) initRecordingRoutes() {
	c.Group.POST("/recordings", c.UploadRecording, c.RateLimitMiddleware())
	c.Group.GET("/recordings", c.ListRecordings)
	c.Group.GET("/recordings/:id", c.GetRecording)
	c.Group.GET("/recordings/:id/audio", c.GetRecordingAudio)
	c.Group.DELETE("/recordings/:id", c.DeleteRecording)
	c.Group.POST("/recordings/:id/analyze", c.AnalyzeRecording)
	c.Group.POST("/recordings/:id/retry", c.RetryRecording)
	c.Group.PATCH("/recordings/:id/status", c.UpdateRecordingStatus)
	c.Group.GET("/recordings/:id/analyses", c.ListRecordingAnalyses)
}

// UploadResponse is returned for an accepted upload.
type UploadResponse struct {
	ID       string                   `json:"id"`
	Status   entities.RecordingStatus `json:"status"`
	FileName string                   `json:"file_name"`
	FileType string                   `json:"file_type"`
	FileSize int64                    `json:"file_size"`
}

// StatusUpdateRequest is the body of PATCH /recordings/:id/status.
type StatusUpdateRequest struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// UploadRecording accepts a multipart upload with the audio in "file".
func (c *Controller) UploadRecording(ctx echo.Context) error {
	fh, err := ctx.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return c.HandleError(ctx, badParam("file", "multipart field is missing"), "No file uploaded")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return c.HandleErrorCode(ctx, err, "Upload exceeds the size limit", http.StatusRequestEntityTooLarge, KindValidation)
		}
		return c.HandleError(ctx, badParam("file", "%v", err), "Malformed upload")
	}

	meta, err := uploadMetadata(ctx, fh)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid upload metadata")
	}

	src, err := fh.Open()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read upload")
	}
	defer func() { _ = src.Close() }()

	rec, err := c.deps.Recordings.Create(ctx.Request().Context(), src, meta)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to store recording")
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.HTTP.ObserveUpload(rec.FileSize)
	}
	c.log.Info("recording uploaded",
		logger.String("recording_id", rec.ID),
		logger.String("device_id", meta.DeviceID),
		logger.Int64("bytes", rec.FileSize))

	return ctx.JSON(http.StatusCreated, UploadResponse{
		ID:       rec.ID,
		Status:   rec.Status,
		FileName: rec.FileName,
		FileType: rec.FileType,
		FileSize: rec.FileSize,
	})
}

// uploadMetadata reads the form fields accompanying an upload.
func uploadMetadata(ctx echo.Context, fh *multipart.FileHeader) (recording.UploadMetadata, error) {
	meta := recording.UploadMetadata{
		FileName: fh.Filename,
		Size:     fh.Size,
		DeviceID: strings.TrimSpace(ctx.FormValue("device_id")),
	}

	var err error
	if meta.Latitude, err = formFloat(ctx, "latitude"); err != nil {
		return meta, err
	}
	if meta.Longitude, err = formFloat(ctx, "longitude"); err != nil {
		return meta, err
	}
	if meta.Duration, err = formFloat(ctx, "duration"); err != nil {
		return meta, err
	}
	if meta.Duration != nil && *meta.Duration <= 0 {
		return meta, badParam("duration", "must be positive")
	}
	if v := strings.TrimSpace(ctx.FormValue("location_name")); v != "" {
		meta.LocationName = &v
	}
	if v := strings.TrimSpace(ctx.FormValue("recorded_at")); v != "" {
		t, err := parseTime("recorded_at", v)
		if err != nil {
			return meta, err
		}
		meta.RecordedAt = &t
	}
	if v := strings.TrimSpace(ctx.FormValue("metadata")); v != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return meta, badParam("metadata", "not a JSON object: %v", err)
		}
		meta.Metadata = m
	}
	if v := strings.TrimSpace(ctx.FormValue("user_id")); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return meta, badParam("user_id", "%q is not an id", v)
		}
		uid := uint(id)
		meta.UserID = &uid
	}
	return meta, nil
}

func formFloat(ctx echo.Context, name string) (*float64, error) {
	raw := strings.TrimSpace(ctx.FormValue(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, badParam(name, "%q is not a number", raw)
	}
	return &v, nil
}

// ListRecordings handles GET /recordings.
func (c *Controller) ListRecordings(ctx echo.Context) error {
	filter := &repository.RecordingFilter{
		DeviceID: strings.TrimSpace(ctx.QueryParam("device_id")),
		Status:   strings.TrimSpace(ctx.QueryParam("status")),
	}
	var err error
	if filter.Range, err = queryTimeRange(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid date range")
	}
	if filter.BBox, err = queryBBox(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid bounding box")
	}
	if filter.Page, err = queryPage(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid pagination")
	}

	recs, total, err := c.deps.Recordings.List(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list recordings")
	}
	if recs == nil {
		recs = []entities.Recording{}
	}
	return ctx.JSON(http.StatusOK, newPaginatedResponse(recs, total, filter.Page))
}

// GetRecording returns a recording with its analyses.
func (c *Controller) GetRecording(ctx echo.Context) error {
	rec, err := c.deps.Recordings.GetWithAnalyses(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Recording not available")
	}
	rec.Analyses = nonNil(rec.Analyses)
	c.attachCatalog(ctx.Request().Context(), rec.Analyses)
	return ctx.JSON(http.StatusOK, rec)
}

// GetRecordingAudio streams the stored file.
func (c *Controller) GetRecordingAudio(ctx echo.Context) error {
	rec, f, err := c.deps.Recordings.OpenAudio(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Audio not available")
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return c.HandleError(ctx, err, "Audio not available")
	}

	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, recording.ContentType(rec.FileType))
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", rec.FileName))
	http.ServeContent(res, ctx.Request(), rec.FileName, fi.ModTime(), f)
	return nil
}

// DeleteRecording removes a recording, its analyses and its file.
func (c *Controller) DeleteRecording(ctx echo.Context) error {
	if _, err := c.deps.Recordings.Delete(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return c.HandleError(ctx, err, "Failed to delete recording")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// AnalyzeRecording runs the pipeline synchronously. A run that ends in
// failed is still a 200: the Result carries the error.
func (c *Controller) AnalyzeRecording(ctx echo.Context) error {
	if c.deps.Analyzer == nil {
		return c.HandleErrorCode(ctx, nil, "Analysis is not configured", http.StatusServiceUnavailable, KindInternal)
	}
	res, err := c.deps.Analyzer.Analyze(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Analysis not started")
	}
	return ctx.JSON(http.StatusOK, resultResponse(res))
}

// ResultResponse is the JSON form of analysis.Result.
type ResultResponse struct {
	RecordingID string                   `json:"recording_id"`
	Status      entities.RecordingStatus `json:"status"`
	Windows     int                      `json:"windows"`
	Detections  int                      `json:"detections"`
	Duration    float64                  `json:"duration"`
	ElapsedMs   int64                    `json:"elapsed_ms"`
	Error       string                   `json:"error,omitempty"`
}

func resultResponse(r *analysis.Result) ResultResponse {
	return ResultResponse{
		RecordingID: r.RecordingID,
		Status:      r.Status,
		Windows:     r.Windows,
		Detections:  r.Detections,
		Duration:    r.Duration,
		ElapsedMs:   r.Elapsed.Milliseconds(),
		Error:       r.Error,
	}
}

// RetryRecording moves a failed recording back to uploaded.
func (c *Controller) RetryRecording(ctx echo.Context) error {
	rec, err := c.deps.Recordings.Retry(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Recording cannot be retried")
	}
	return ctx.JSON(http.StatusOK, rec)
}

// UpdateRecordingStatus applies an operator transition.
func (c *Controller) UpdateRecordingStatus(ctx echo.Context) error {
	var req StatusUpdateRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, badParam("body", "%v", err), "Invalid request body")
	}
	next, err := entities.ParseRecordingStatus(strings.TrimSpace(req.Status))
	if err != nil {
		return c.HandleError(ctx, err, "Invalid status")
	}
	rec, err := c.deps.Recordings.UpdateStatus(ctx.Request().Context(), ctx.Param("id"), next, req.Error)
	if err != nil {
		return c.HandleError(ctx, err, "Status change rejected")
	}
	return ctx.JSON(http.StatusOK, rec)
}

// ListRecordingAnalyses returns the detections of one recording.
func (c *Controller) ListRecordingAnalyses(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	id := ctx.Param("id")
	if _, err := c.deps.Recordings.Get(reqCtx, id); err != nil {
		return c.HandleError(ctx, err, "Recording not available")
	}
	rows, err := c.deps.Analyses.ListForRecording(reqCtx, id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list analyses")
	}
	rows = nonNil(rows)
	c.attachCatalog(reqCtx, rows)
	return ctx.JSON(http.StatusOK, rows)
}
