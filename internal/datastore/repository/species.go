package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// speciesOrderColumns maps accepted sort keys to columns.
var speciesOrderColumns = map[string]string{
	"scientific_name": "scientific_name",
	"common_name":     "common_name",
	"family":          "family",
	"order":           "taxon_order",
	"iucn_status":     "iucn_status",
}

// SpeciesFilter selects catalog entries. Query matches scientific or common
// name as a substring.
type SpeciesFilter struct {
	Query   string
	OrderBy string
	Desc    bool
	Page    Page
}

// SpeciesUpdate edits catalog fields. Nil fields are left unchanged.
type SpeciesUpdate struct {
	ScientificName *string
	CommonName     *string
	Family         *string
	Order          *string
	IUCNStatus     *string
	Description    *string
	ImageURL       *string
	AudioURL       *string
}

// SpeciesRepository manages the species catalog. Names match case-insensitively.
type SpeciesRepository interface {
	Create(ctx context.Context, s *entities.Species) error
	Get(ctx context.Context, id uint) (*entities.Species, error)
	GetByScientificName(ctx context.Context, name string) (*entities.Species, error)
	List(ctx context.Context, f SpeciesFilter) ([]entities.Species, int64, error)
	Update(ctx context.Context, id uint, upd SpeciesUpdate) (*entities.Species, error)
	// Delete refuses with ErrSpeciesInUse while detections carry the name.
	Delete(ctx context.Context, id uint) error
	// Lookup returns catalog entries for names, keyed by lower-cased name.
	// Names without an entry are absent from the map.
	Lookup(ctx context.Context, names []string) (map[string]*entities.Species, error)
	// Upsert creates or refreshes an entry, keeping stored fields that the
	// incoming entry leaves nil. It reports whether a row was created.
	Upsert(ctx context.Context, s *entities.Species) (bool, error)
}

type speciesRepository struct {
	db *gorm.DB
}

func NewSpeciesRepository(db *gorm.DB) SpeciesRepository {
	return &speciesRepository{db: db}
}

func speciesExists(name string) error {
	return errors.New(ErrSpeciesExists).
		Component("datastore").
		Category(errors.CategoryConflict).
		Context("scientific_name", name).
		Build()
}

func byName(tx *gorm.DB, name string) *gorm.DB {
	return tx.Where("LOWER(scientific_name) = LOWER(?)", entities.NormalizeScientificName(name))
}

func (r *speciesRepository) Create(ctx context.Context, s *entities.Species) error {
	if err := s.Validate(); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := byName(tx.Model(&entities.Species{}), s.ScientificName).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return speciesExists(s.ScientificName)
		}
		return tx.Create(s).Error
	})
	if errors.Is(err, ErrSpeciesExists) {
		return err
	}
	return dbError(err, "create_species")
}

func (r *speciesRepository) Get(ctx context.Context, id uint) (*entities.Species, error) {
	var s entities.Species
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrSpeciesNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "get_species")
	}
	return &s, nil
}

func (r *speciesRepository) GetByScientificName(ctx context.Context, name string) (*entities.Species, error) {
	var s entities.Species
	err := byName(r.db.WithContext(ctx), name).First(&s).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrSpeciesNotFound, name)
	}
	if err != nil {
		return nil, dbError(err, "get_species_by_name")
	}
	return &s, nil
}

func (r *speciesRepository) List(ctx context.Context, f SpeciesFilter) ([]entities.Species, int64, error) {
	page := f.Page.Normalize()
	orderBy := f.OrderBy
	if orderBy == "" {
		orderBy = "scientific_name"
	}
	col, ok := speciesOrderColumns[orderBy]
	if !ok {
		return nil, 0, errors.Newf("cannot order species by %q", orderBy).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	dir := " ASC"
	if f.Desc {
		dir = " DESC"
	}

	q := r.db.WithContext(ctx).Model(&entities.Species{})
	if term := strings.TrimSpace(f.Query); term != "" {
		p := speciesPattern(term)
		q = q.Where("(LOWER(scientific_name) LIKE LOWER(?) OR LOWER(common_name) LIKE LOWER(?))", p, p)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "count_species")
	}

	var out []entities.Species
	err := q.Order(col + dir).
		Order("scientific_name ASC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, dbError(err, "list_species")
	}
	return out, total, nil
}

func (r *speciesRepository) Update(ctx context.Context, id uint, upd SpeciesUpdate) (*entities.Species, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Apply to a copy first so the combined result is validated once.
	next := *s
	assign := func(dst **string, v *string) {
		if v != nil {
			*dst = v
		}
	}
	if upd.ScientificName != nil {
		next.ScientificName = *upd.ScientificName
	}
	assign(&next.CommonName, upd.CommonName)
	assign(&next.Family, upd.Family)
	assign(&next.Order, upd.Order)
	assign(&next.IUCNStatus, upd.IUCNStatus)
	assign(&next.Description, upd.Description)
	assign(&next.ImageURL, upd.ImageURL)
	assign(&next.AudioURL, upd.AudioURL)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !strings.EqualFold(next.ScientificName, s.ScientificName) {
			var n int64
			err := byName(tx.Model(&entities.Species{}), next.ScientificName).
				Where("id <> ?", id).
				Count(&n).Error
			if err != nil {
				return err
			}
			if n > 0 {
				return speciesExists(next.ScientificName)
			}
		}
		return tx.Model(&entities.Species{}).Where("id = ?", id).Updates(map[string]any{
			"scientific_name": next.ScientificName,
			"common_name":     next.CommonName,
			"family":          next.Family,
			"taxon_order":     next.Order,
			"iucn_status":     next.IUCNStatus,
			"description":     next.Description,
			"image_url":       next.ImageURL,
			"audio_url":       next.AudioURL,
		}).Error
	})
	if errors.Is(err, ErrSpeciesExists) {
		return nil, err
	}
	if err != nil {
		return nil, dbError(err, "update_species")
	}
	return r.Get(ctx, id)
}

func (r *speciesRepository) Delete(ctx context.Context, id uint) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&entities.Analysis{}).
			Where("LOWER(species) = LOWER(?)", s.ScientificName).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.New(ErrSpeciesInUse).
				Component("datastore").
				Category(errors.CategoryConflict).
				Context("scientific_name", s.ScientificName).
				Context("detections", n).
				Build()
		}
		return tx.Delete(&entities.Species{}, id).Error
	})
	if errors.Is(err, ErrSpeciesInUse) {
		return err
	}
	return dbError(err, "delete_species")
}

func (r *speciesRepository) Lookup(ctx context.Context, names []string) (map[string]*entities.Species, error) {
	out := make(map[string]*entities.Species)
	if len(names) == 0 {
		return out, nil
	}
	seen := make(map[string]struct{}, len(names))
	keys := make([]string, 0, len(names))
	for _, n := range names {
		k := strings.ToLower(entities.NormalizeScientificName(n))
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return out, nil
	}

	var rows []entities.Species
	if err := r.db.WithContext(ctx).Where("LOWER(scientific_name) IN ?", keys).Find(&rows).Error; err != nil {
		return nil, dbError(err, "lookup_species")
	}
	for i := range rows {
		out[strings.ToLower(rows[i].ScientificName)] = &rows[i]
	}
	return out, nil
}

func (r *speciesRepository) Upsert(ctx context.Context, s *entities.Species) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entities.Species
		err := byName(tx, s.ScientificName).First(&existing).Error
		if isRecordNotFound(err) {
			created = true
			return tx.Create(s).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{}
		setIfPresent(updates, "common_name", s.CommonName)
		setIfPresent(updates, "family", s.Family)
		setIfPresent(updates, "taxon_order", s.Order)
		setIfPresent(updates, "iucn_status", s.IUCNStatus)
		setIfPresent(updates, "description", s.Description)
		setIfPresent(updates, "image_url", s.ImageURL)
		setIfPresent(updates, "audio_url", s.AudioURL)
		if len(updates) > 0 {
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", existing.ID).First(s).Error
	})
	if err != nil {
		return false, dbError(err, "upsert_species")
	}
	return created, nil
}
