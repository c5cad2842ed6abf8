package model

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type BaseModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Vector is an embedding stored as a plain numeric array. On PostgreSQL it maps
// to double precision[]; other dialects keep the array literal as text.
type Vector []float32

func (Vector) GormDataType() string {
	return "float_array"
}

func (Vector) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "double precision[]"
	}
	return "text"
}

func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	arr := make(pq.Float64Array, len(v))
	for i, f := range v {
		arr[i] = float64(f)
	}
	return arr.Value()
}

func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	var arr pq.Float64Array
	switch src := value.(type) {
	case []byte, string:
		if err := arr.Scan(src); err != nil {
			return fmt.Errorf("scan vector: %w", err)
		}
	default:
		return fmt.Errorf("scan vector: unsupported type %T", value)
	}
	out := make(Vector, len(arr))
	for i, f := range arr {
		out[i] = float32(f)
	}
	*v = out
	return nil
}
