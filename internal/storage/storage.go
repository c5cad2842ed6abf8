// Package storage keeps raw uploads and processed text under a root, on the
// local filesystem or in a MinIO bucket.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/tgo/kiwi/internal/model"
)

var (
	ErrTooLarge = errors.New("file exceeds the maximum upload size")
	ErrNotFound = errors.New("stored file not found")
)

type Storage interface {
	// Save streams r to key and aborts, removing the partial object, once more
	// than maxSize bytes have been read. maxSize <= 0 disables the limit.
	Save(ctx context.Context, key string, r io.Reader, maxSize int64) (int64, error)
	Put(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// LocalPath returns a filesystem path holding the object. cleanup removes
	// any temporary copy and must always be called.
	LocalPath(ctx context.Context, key string) (p string, cleanup func(), err error)
	Delete(ctx context.Context, key string) error
}

// RawKey is the key of an uploaded file. The processed text is stored next to it.
func RawKey(doc *model.Document) string {
	ext := strings.ToLower(path.Ext(doc.OriginalFilename))
	return path.Join(string(doc.EntityType), doc.EntityID.String(), doc.ID.String()+ext)
}

func ProcessedKey(doc *model.Document) string {
	return ProcessedKeyFor(doc.EntityType, doc.EntityID, doc.ID)
}

func ProcessedKeyFor(entityType model.EntityType, entityID, docID uuid.UUID) string {
	return path.Join(string(entityType), entityID.String(), docID.String()+".processed.txt")
}

// limitedReader fails once more than max bytes have been read.
type limitedReader struct {
	r       io.Reader
	max     int64
	n       int64
	tripped bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		l.tripped = true
		return n, ErrTooLarge
	}
	return n, err
}
