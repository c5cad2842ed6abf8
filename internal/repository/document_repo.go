package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// List returns the documents of a scope, newest first.
func (r *DocumentRepository) List(ctx context.Context, scope model.Scope, limit, offset int) ([]model.Document, int64, error) {
	var docs []model.Document
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("entity_type = ? AND entity_id = ?", scope.EntityType, scope.EntityID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Order("created_at DESC").Find(&docs).Error; err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func (r *DocumentRepository) CountByScope(ctx context.Context, scope model.Scope) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("entity_type = ? AND entity_id = ?", scope.EntityType, scope.EntityID).
		Count(&n).Error
	return n, err
}

// ClaimForProcessing moves a document into processing unless it is already
// there. It reports false when another worker holds it.
func (r *DocumentRepository) ClaimForProcessing(ctx context.Context, id uuid.UUID, progress datatypes.JSONMap) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status <> ?", id, model.DocumentStatusProcessing).
		Updates(map[string]interface{}{
			"status":              model.DocumentStatusProcessing,
			"error_message":       nil,
			"processing_metadata": progress,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *DocumentRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress datatypes.JSONMap) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ?", id).
		Update("processing_metadata", progress).Error
}

// MarkExtracted stores the processed text location. Status is left untouched.
func (r *DocumentRepository) MarkExtracted(ctx context.Context, id uuid.UUID, processedPath string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_path": processedPath,
			"processed_at":   at,
		}).Error
}

func (r *DocumentRepository) MarkCompleted(ctx context.Context, id uuid.UUID, progress datatypes.JSONMap) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              model.DocumentStatusCompleted,
			"error_message":       nil,
			"processing_metadata": progress,
		}).Error
}

func (r *DocumentRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string, progress datatypes.JSONMap) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              model.DocumentStatusFailed,
			"error_message":       message,
			"processing_metadata": progress,
		}).Error
}

// ResetToPending is used when a stalled document is queued again.
func (r *DocumentRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ?", id).
		Update("status", model.DocumentStatusPending).Error
}

// ListStalled returns pending or processing documents untouched since before.
func (r *DocumentRepository) ListStalled(ctx context.Context, before time.Time, limit int) ([]model.Document, error) {
	var docs []model.Document
	query := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]model.DocumentStatus{model.DocumentStatusPending, model.DocumentStatusProcessing}, before).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&docs).Error
	return docs, err
}

// AnyCompleted reports whether any document of the scopes finished processing.
func (r *DocumentRepository) AnyCompleted(ctx context.Context, scopes []model.Scope) (bool, error) {
	if len(scopes) == 0 {
		return false, nil
	}
	clauses := make([]string, len(scopes))
	args := make([]interface{}, 0, len(scopes)*2)
	for i, s := range scopes {
		clauses[i] = "(entity_type = ? AND entity_id = ?)"
		args = append(args, string(s.EntityType), s.EntityID)
	}
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("status = ?", model.DocumentStatusCompleted).
		Where("("+strings.Join(clauses, " OR ")+")", args...).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Document{}).Error
}
