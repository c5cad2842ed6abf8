package vectorstore

import (
	"context"

	"github.com/tgo/kiwi/internal/model"
)

// IndexStatus describes the native index as seen by its backend.
type IndexStatus struct {
	Backend            string `json:"backend"`
	ExtensionInstalled bool   `json:"extension_installed"`
	ColumnPresent      bool   `json:"column_present"`
	IndexPresent       bool   `json:"index_present"`
	IndexedCount       int64  `json:"indexed_count"`
	Error              string `json:"error,omitempty"`
}

// Status is the read-only diagnostic of the vector storage.
type Status struct {
	NativeState  string       `json:"native_state"`
	ChunkCount   int64        `json:"chunk_count"`
	Index        *IndexStatus `json:"index,omitempty"`
	MirroredRate float64      `json:"mirrored_rate"`
}

func (s *Store) Status(ctx context.Context) (*Status, error) {
	st := &Status{NativeState: s.State().String()}
	if err := s.db.WithContext(ctx).Model(&model.DocumentChunk{}).Count(&st.ChunkCount).Error; err != nil {
		return nil, err
	}
	if s.index != nil {
		is := s.index.Status(ctx)
		st.Index = &is
		if st.ChunkCount > 0 {
			st.MirroredRate = float64(is.IndexedCount) / float64(st.ChunkCount)
		}
	}
	return st, nil
}
