package model

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// ParseDocumentStatus is the only place where stored status strings are
// normalised. Older rows were written in upper case.
func ParseDocumentStatus(s string) (DocumentStatus, error) {
	switch st := DocumentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case DocumentStatusPending, DocumentStatusProcessing, DocumentStatusCompleted, DocumentStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown document status %q", s)
	}
}

func (s DocumentStatus) Value() (driver.Value, error) {
	if s == "" {
		return string(DocumentStatusPending), nil
	}
	if _, err := ParseDocumentStatus(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

func (s *DocumentStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		*s = DocumentStatusPending
		return nil
	default:
		return fmt.Errorf("scan document status: unsupported type %T", value)
	}
	st, err := ParseDocumentStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// CanProcess reports whether a document in this state may enter processing.
// Completed documents may be reprocessed; a running one may not be picked up twice.
func (s DocumentStatus) CanProcess() bool {
	return s != DocumentStatusProcessing
}

type EntityType string

const (
	EntityTypeAgent EntityType = "agent"
	EntityTypeChat  EntityType = "chat"
)

func ParseEntityType(s string) (EntityType, error) {
	switch et := EntityType(strings.ToLower(strings.TrimSpace(s))); et {
	case EntityTypeAgent, EntityTypeChat:
		return et, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", s)
	}
}

// Scope identifies the owner of a set of documents.
type Scope struct {
	EntityType EntityType
	EntityID   uuid.UUID
}

func (s Scope) String() string {
	return string(s.EntityType) + ":" + s.EntityID.String()
}

type Document struct {
	BaseModel
	EntityType         EntityType        `gorm:"size:20;not null;index:idx_documents_entity" json:"entity_type"`
	EntityID           uuid.UUID         `gorm:"type:uuid;not null;index:idx_documents_entity" json:"entity_id"`
	Name               string            `gorm:"size:500;not null" json:"name"`
	OriginalFilename   string            `gorm:"size:500" json:"original_filename"`
	FileType           string            `gorm:"size:100" json:"file_type"`
	FileSize           int64             `gorm:"not null" json:"file_size"`
	FilePath           string            `gorm:"size:1000" json:"-"`
	ProcessedPath      *string           `gorm:"size:1000" json:"-"`
	Status             DocumentStatus    `gorm:"size:20;not null;default:'pending';index" json:"status"`
	ErrorMessage       *string           `gorm:"type:text" json:"error_message,omitempty"`
	ProcessingMetadata datatypes.JSONMap `json:"processing_metadata"`
	ProcessedAt        *time.Time        `json:"processed_at,omitempty"`
}

func (Document) TableName() string {
	return "documents"
}

func (d *Document) Scope() Scope {
	return Scope{EntityType: d.EntityType, EntityID: d.EntityID}
}

// DocumentChunk rows are replaced wholesale on reprocessing, so they are never soft deleted.
type DocumentChunk struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chunk_document_index" json:"document_id"`
	ChunkIndex     int       `gorm:"not null;uniqueIndex:idx_chunk_document_index" json:"chunk_index"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Embedding      Vector    `json:"-"`
	EmbeddingModel string    `gorm:"size:100" json:"embedding_model"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (c *DocumentChunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (DocumentChunk) TableName() string {
	return "document_chunks"
}
