package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
)

const bulkInsertBatchSize = 200

// AnalysisRepository persists detections.
type AnalysisRepository interface {
	// BulkInsert validates and inserts rows for recordingID inside tx. Any
	// invalid row aborts the insert with ErrPersistence.
	BulkInsert(ctx context.Context, tx *gorm.DB, recordingID string, rows []entities.Analysis) error
	ListForRecording(ctx context.Context, recordingID string) ([]entities.Analysis, error)
	Search(ctx context.Context, filter *AnalysisFilter) ([]entities.Analysis, int64, error)
	Get(ctx context.Context, id string) (*entities.Analysis, error)
	CountForRecording(ctx context.Context, recordingID string) (int64, error)
}

type analysisRepository struct {
	db *gorm.DB
}

func NewAnalysisRepository(db *gorm.DB) AnalysisRepository {
	return &analysisRepository{db: db}
}

func (r *analysisRepository) BulkInsert(ctx context.Context, tx *gorm.DB, recordingID string, rows []entities.Analysis) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		rows[i].RecordingID = recordingID
		if rows[i].ID == "" {
			rows[i].ID = uuid.NewString()
		}
		if err := rows[i].Validate(); err != nil {
			return dbError(err, "bulk_insert_analyses")
		}
	}

	conn := r.db
	if tx != nil {
		conn = tx
	}
	if err := conn.WithContext(ctx).CreateInBatches(rows, bulkInsertBatchSize).Error; err != nil {
		return dbError(err, "bulk_insert_analyses")
	}
	return nil
}

func (r *analysisRepository) ListForRecording(ctx context.Context, recordingID string) ([]entities.Analysis, error) {
	var rows []entities.Analysis
	err := r.db.WithContext(ctx).
		Where("recording_id = ?", recordingID).
		Order("start_time ASC").
		Order("confidence DESC").
		Find(&rows).Error
	if err != nil {
		return nil, dbError(err, "list_analyses")
	}
	return rows, nil
}

func (r *analysisRepository) CountForRecording(ctx context.Context, recordingID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entities.Analysis{}).
		Where("recording_id = ?", recordingID).
		Count(&n).Error
	if err != nil {
		return 0, dbError(err, "count_analyses")
	}
	return n, nil
}

func (r *analysisRepository) Search(ctx context.Context, filter *AnalysisFilter) ([]entities.Analysis, int64, error) {
	if filter == nil {
		filter = &AnalysisFilter{}
	}
	page := filter.Page.Normalize()

	q := r.db.WithContext(ctx).Model(&entities.Analysis{}).
		Joins("JOIN recordings ON recordings.id = analyses.recording_id")
	q = applySpecies(q, "analyses", filter.Species, filter.ScientificName)
	if filter.MinConfidence > 0 {
		q = q.Where("analyses.confidence >= ?", filter.MinConfidence)
	}
	q = applyRecordingScope(q, "recordings", filter.DeviceID, filter.Range, filter.BBox)

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "count_analyses")
	}

	var rows []entities.Analysis
	err := q.Select("analyses.*").
		Preload("Recording").
		Order("recordings.recorded_at DESC").
		Order("analyses.start_time ASC").
		Order("analyses.id ASC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, dbError(err, "search_analyses")
	}
	return rows, total, nil
}

func (r *analysisRepository) Get(ctx context.Context, id string) (*entities.Analysis, error) {
	var a entities.Analysis
	err := r.db.WithContext(ctx).Preload("Recording").Where("id = ?", id).First(&a).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrAnalysisNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "get_analysis")
	}
	return &a, nil
}
