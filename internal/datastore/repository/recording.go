package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// RecordingRepository persists recordings and owns every status write.
type RecordingRepository interface {
	Create(ctx context.Context, rec *entities.Recording) error
	Get(ctx context.Context, id string) (*entities.Recording, error)
	GetWithAnalyses(ctx context.Context, id string) (*entities.Recording, error)
	List(ctx context.Context, filter *RecordingFilter) ([]entities.Recording, int64, error)

	// ListIDsByStatus returns the oldest recordings in status, for polling.
	ListIDsByStatus(ctx context.Context, status entities.RecordingStatus, limit int) ([]string, error)

	// UpdateStatus applies a transition from the lifecycle table. The write
	// is conditional on the status read, so a concurrent change fails with
	// ErrStatusChanged instead of skipping a state.
	UpdateStatus(ctx context.Context, id string, next entities.RecordingStatus, errMsg string) (*entities.Recording, error)

	// Claim atomically moves uploaded -> processing and reports whether this
	// caller won.
	Claim(ctx context.Context, id string) (bool, error)

	// MarkProcessed and MarkFailed finish a claimed recording. tx may be nil.
	MarkProcessed(ctx context.Context, tx *gorm.DB, id string, duration *float64, at time.Time) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id, reason string, at time.Time) error

	// Delete removes the recording and its analyses and returns the deleted row.
	Delete(ctx context.Context, id string) (*entities.Recording, error)

	CountByStatus(ctx context.Context) (map[entities.RecordingStatus]int64, error)
}

type recordingRepository struct {
	db *gorm.DB
}

func NewRecordingRepository(db *gorm.DB) RecordingRepository {
	return &recordingRepository{db: db}
}

func (r *recordingRepository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *recordingRepository) Create(ctx context.Context, rec *entities.Recording) error {
	if rec.Status == "" {
		rec.Status = entities.StatusUploaded
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return dbError(err, "create_recording")
	}
	return nil
}

func (r *recordingRepository) Get(ctx context.Context, id string) (*entities.Recording, error) {
	var rec entities.Recording
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrRecordingNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "get_recording")
	}
	return &rec, nil
}

func (r *recordingRepository) GetWithAnalyses(ctx context.Context, id string) (*entities.Recording, error) {
	var rec entities.Recording
	err := r.db.WithContext(ctx).
		Preload("Analyses", func(db *gorm.DB) *gorm.DB {
			return db.Order("start_time ASC, confidence DESC")
		}).
		Where("id = ?", id).
		First(&rec).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrRecordingNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "get_recording")
	}
	return &rec, nil
}

func (r *recordingRepository) List(ctx context.Context, filter *RecordingFilter) ([]entities.Recording, int64, error) {
	if filter == nil {
		filter = &RecordingFilter{}
	}
	page := filter.Page.Normalize()

	q := r.db.WithContext(ctx).Model(&entities.Recording{})
	q = applyRecordingScope(q, "recordings", filter.DeviceID, filter.Range, filter.BBox)
	if filter.Status != "" {
		q = q.Where("recordings.status = ?", filter.Status)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "count_recordings")
	}

	var recs []entities.Recording
	err := q.Order("recordings.created_at DESC").
		Order("recordings.id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&recs).Error
	if err != nil {
		return nil, 0, dbError(err, "list_recordings")
	}
	return recs, total, nil
}

func (r *recordingRepository) ListIDsByStatus(ctx context.Context, status entities.RecordingStatus, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&entities.Recording{}).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, dbError(err, "list_recording_ids")
	}
	return ids, nil
}

func (r *recordingRepository) UpdateStatus(ctx context.Context, id string, next entities.RecordingStatus, errMsg string) (*entities.Recording, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.Status.ValidateTransition(next); err != nil {
		return nil, err
	}

	updates := map[string]any{"status": next}
	now := time.Now().UTC()
	switch next {
	case entities.StatusFailed:
		if errMsg == "" {
			errMsg = "marked failed by operator"
		}
		updates["analysis_error"] = errMsg
		updates["analyzed_at"] = now
	case entities.StatusProcessed:
		updates["analysis_error"] = nil
		updates["analyzed_at"] = now
	case entities.StatusUploaded:
		updates["analysis_error"] = nil
		updates["analyzed_at"] = nil
	}

	if err := r.conditionalUpdate(ctx, nil, id, rec.Status, updates, "update_status"); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *recordingRepository) Claim(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&entities.Recording{}).
		Where("id = ? AND status = ?", id, entities.StatusUploaded).
		Updates(map[string]any{"status": entities.StatusProcessing, "analysis_error": nil})
	if res.Error != nil {
		return false, dbError(res.Error, "claim_recording")
	}
	return res.RowsAffected == 1, nil
}

func (r *recordingRepository) MarkProcessed(ctx context.Context, tx *gorm.DB, id string, duration *float64, at time.Time) error {
	updates := map[string]any{
		"status":         entities.StatusProcessed,
		"analyzed_at":    at.UTC(),
		"analysis_error": nil,
	}
	if duration != nil {
		updates["duration"] = *duration
	}
	return r.conditionalUpdate(ctx, tx, id, entities.StatusProcessing, updates, "mark_processed")
}

func (r *recordingRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id, reason string, at time.Time) error {
	updates := map[string]any{
		"status":         entities.StatusFailed,
		"analyzed_at":    at.UTC(),
		"analysis_error": reason,
	}
	return r.conditionalUpdate(ctx, tx, id, entities.StatusProcessing, updates, "mark_failed")
}

// conditionalUpdate writes updates only while the row is still in from.
func (r *recordingRepository) conditionalUpdate(ctx context.Context, tx *gorm.DB, id string, from entities.RecordingStatus, updates map[string]any, op string) error {
	res := r.conn(ctx, tx).Model(&entities.Recording{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return dbError(res.Error, op)
	}
	if res.RowsAffected == 0 {
		return errors.New(ErrStatusChanged).
			Component("datastore").
			Category(errors.CategoryState).
			Context("id", id).
			Context("expected_status", string(from)).
			Context("operation", op).
			Build()
	}
	return nil
}

func (r *recordingRepository) Delete(ctx context.Context, id string) (*entities.Recording, error) {
	var rec entities.Recording
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return err
		}
		// Explicit so the cascade holds even where FK enforcement is off.
		if err := tx.Where("recording_id = ?", id).Delete(&entities.Analysis{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&entities.Recording{}).Error
	})
	if isRecordNotFound(err) {
		return nil, notFound(ErrRecordingNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "delete_recording")
	}
	return &rec, nil
}

func (r *recordingRepository) CountByStatus(ctx context.Context) (map[entities.RecordingStatus]int64, error) {
	var rows []struct {
		Status entities.RecordingStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&entities.Recording{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "count_by_status")
	}
	out := make(map[entities.RecordingStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
