package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Species routes take either the numeric catalog id or the scientific name.
func (c *Controller) initSpeciesRoutes() {
	c.Group.GET("/species", c.ListSpecies)
	c.Group.POST("/species", c.CreateSpecies)
	c.Group.GET("/species/:ref", c.GetSpecies)
	c.Group.PUT("/species/:ref", c.UpdateSpecies)
	c.Group.DELETE("/species/:ref", c.DeleteSpecies)
	c.Group.GET("/species/:ref/detections", c.GetSpeciesDetections)
	c.Group.GET("/species/:ref/stats", c.GetSpeciesStats)
}

// SpeciesRequest is the body of create and update calls.
type SpeciesRequest struct {
	ScientificName *string `json:"scientific_name"`
	CommonName     *string `json:"common_name"`
	Family         *string `json:"family"`
	Order          *string `json:"order"`
	IUCNStatus     *string `json:"iucn_status"`
	Description    *string `json:"description"`
	ImageURL       *string `json:"image_url"`
	AudioURL       *string `json:"audio_url"`
}

// SpeciesResponse pairs a catalog entry with its all-time detection summary.
type SpeciesResponse struct {
	entities.Species
	Stats repository.SpeciesSummary `json:"stats"`
}

// SpeciesStatsResponse is the body of GET /species/:ref/stats.
type SpeciesStatsResponse struct {
	Species entities.Species            `json:"species"`
	Stats   *repository.SpeciesActivity `json:"stats"`
}

func (c *Controller) speciesCatalog() (repository.SpeciesRepository, error) {
	if c.deps.Species == nil {
		return nil, errors.Newf("species catalog is not configured").
			Component("api").
			Category(errors.CategoryNotFound).
			Build()
	}
	return c.deps.Species, nil
}

// resolveSpecies finds the catalog entry named by the :ref path parameter.
func (c *Controller) resolveSpecies(ctx echo.Context) (*entities.Species, error) {
	repo, err := c.speciesCatalog()
	if err != nil {
		return nil, err
	}
	ref := ctx.Param("ref")
	if v, err := url.PathUnescape(ref); err == nil {
		ref = v
	}
	reqCtx := ctx.Request().Context()
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return repo.Get(reqCtx, uint(id))
	}
	return repo.GetByScientificName(reqCtx, ref)
}

func bindSpeciesRequest(ctx echo.Context) (*SpeciesRequest, error) {
	var req SpeciesRequest
	if err := ctx.Bind(&req); err != nil {
		return nil, errors.New(err).Component("api").Category(errors.CategoryValidation).Build()
	}
	return &req, nil
}

// ListSpecies handles GET /species.
func (c *Controller) ListSpecies(ctx echo.Context) error {
	repo, err := c.speciesCatalog()
	if err != nil {
		return c.HandleError(ctx, err, "Species catalog not available")
	}
	f := repository.SpeciesFilter{
		Query:   strings.TrimSpace(ctx.QueryParam("search")),
		OrderBy: strings.TrimSpace(ctx.QueryParam("order_by")),
	}
	switch order := strings.ToLower(strings.TrimSpace(ctx.QueryParam("order"))); order {
	case "", "asc":
	case "desc":
		f.Desc = true
	default:
		return c.HandleError(ctx, badParam("order", "%q is not asc or desc", order), "Invalid order")
	}
	if f.Page, err = queryPage(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid pagination")
	}

	rows, total, err := repo.List(ctx.Request().Context(), f)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list species")
	}
	return ctx.JSON(http.StatusOK, newPaginatedResponse(nonNil(rows), total, f.Page))
}

// CreateSpecies handles POST /species.
func (c *Controller) CreateSpecies(ctx echo.Context) error {
	repo, err := c.speciesCatalog()
	if err != nil {
		return c.HandleError(ctx, err, "Species catalog not available")
	}
	req, err := bindSpeciesRequest(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid species")
	}
	s := &entities.Species{
		CommonName:  req.CommonName,
		Family:      req.Family,
		Order:       req.Order,
		IUCNStatus:  req.IUCNStatus,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		AudioURL:    req.AudioURL,
	}
	if req.ScientificName != nil {
		s.ScientificName = *req.ScientificName
	}
	if err := repo.Create(ctx.Request().Context(), s); err != nil {
		return c.HandleError(ctx, err, "Species not created")
	}
	c.log.Info("species added to catalog", logger.String("scientific_name", s.ScientificName))
	return ctx.JSON(http.StatusCreated, s)
}

// GetSpecies handles GET /species/:ref.
func (c *Controller) GetSpecies(ctx echo.Context) error {
	s, err := c.resolveSpecies(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Species not available")
	}
	resp := SpeciesResponse{Species: *s, Stats: repository.SpeciesSummary{Species: s.ScientificName}}
	rows, err := c.deps.Reports.SpeciesSummary(ctx.Request().Context(),
		repository.ReportFilter{ScientificName: s.ScientificName}, 1)
	if err != nil {
		return c.HandleError(ctx, err, "Species stats failed")
	}
	if len(rows) > 0 {
		resp.Stats = rows[0]
	}
	return ctx.JSON(http.StatusOK, resp)
}

// UpdateSpecies handles PUT /species/:ref.
func (c *Controller) UpdateSpecies(ctx echo.Context) error {
	s, err := c.resolveSpecies(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Species not available")
	}
	req, err := bindSpeciesRequest(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid species")
	}
	updated, err := c.deps.Species.Update(ctx.Request().Context(), s.ID, repository.SpeciesUpdate{
		ScientificName: req.ScientificName,
		CommonName:     req.CommonName,
		Family:         req.Family,
		Order:          req.Order,
		IUCNStatus:     req.IUCNStatus,
		Description:    req.Description,
		ImageURL:       req.ImageURL,
		AudioURL:       req.AudioURL,
	})
	if err != nil {
		return c.HandleError(ctx, err, "Species not updated")
	}
	return ctx.JSON(http.StatusOK, updated)
}

// DeleteSpecies handles DELETE /species/:ref.
func (c *Controller) DeleteSpecies(ctx echo.Context) error {
	s, err := c.resolveSpecies(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Species not available")
	}
	if err := c.deps.Species.Delete(ctx.Request().Context(), s.ID); err != nil {
		return c.HandleError(ctx, err, "Species not deleted")
	}
	c.log.Info("species removed from catalog", logger.String("scientific_name", s.ScientificName))
	return ctx.NoContent(http.StatusNoContent)
}

// GetSpeciesDetections lists detections of a catalogued species, newest
// recording first.
func (c *Controller) GetSpeciesDetections(ctx echo.Context) error {
	s, err := c.resolveSpecies(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Species not available")
	}
	filter := &repository.AnalysisFilter{
		ScientificName: s.ScientificName,
		DeviceID:       strings.TrimSpace(ctx.QueryParam("device_id")),
	}
	if filter.MinConfidence, err = queryConfidence(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid confidence")
	}
	if filter.Range, err = queryTimeRange(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid date range")
	}
	if filter.Page, err = queryPage(ctx); err != nil {
		return c.HandleError(ctx, err, "Invalid pagination")
	}

	rows, total, err := c.deps.Analyses.Search(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Search failed")
	}
	rows = nonNil(rows)
	for i := range rows {
		rows[i].Catalog = s
	}
	return ctx.JSON(http.StatusOK, newPaginatedResponse(rows, total, filter.Page))
}

// GetSpeciesStats handles GET /species/:ref/stats?days=N.
func (c *Controller) GetSpeciesStats(ctx echo.Context) error {
	s, err := c.resolveSpecies(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Species not available")
	}
	days, err := queryInt(ctx, "days", repository.DefaultSpeciesStatsDays)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid days")
	}
	if days < 1 || days > repository.MaxSpeciesStatsDays {
		return c.HandleError(ctx, badParam("days", "%d outside [1, %d]", days, repository.MaxSpeciesStatsDays), "Invalid days")
	}
	act, err := c.deps.Reports.SpeciesActivity(ctx.Request().Context(), s.ScientificName, days, c.now())
	if err != nil {
		return c.HandleError(ctx, err, "Species stats failed")
	}
	return ctx.JSON(http.StatusOK, SpeciesStatsResponse{Species: *s, Stats: act})
}

// catalogFor looks up catalog entries for names. Enrichment is best effort:
// a failed lookup is logged and the response goes out without it.
func (c *Controller) catalogFor(ctx context.Context, names []string) map[string]*entities.Species {
	if c.deps.Species == nil || len(names) == 0 {
		return nil
	}
	found, err := c.deps.Species.Lookup(ctx, names)
	if err != nil {
		c.log.Warn("species catalog lookup failed", logger.Error(err))
		return nil
	}
	return found
}

func catalogKey(name string) string {
	return strings.ToLower(entities.NormalizeScientificName(name))
}

// attachCatalog sets Catalog on each detection whose species is catalogued.
func (c *Controller) attachCatalog(ctx context.Context, rows []entities.Analysis) {
	names := make([]string, len(rows))
	for i := range rows {
		names[i] = rows[i].Species
	}
	found := c.catalogFor(ctx, names)
	for i := range rows {
		rows[i].Catalog = found[catalogKey(rows[i].Species)]
	}
}

func (c *Controller) attachSummaryCatalog(ctx context.Context, rows []repository.SpeciesSummary) {
	names := make([]string, len(rows))
	for i := range rows {
		names[i] = rows[i].Species
	}
	found := c.catalogFor(ctx, names)
	for i := range rows {
		rows[i].Catalog = found[catalogKey(rows[i].Species)]
	}
}
