// Package storage abstracts the object store that holds uploaded documents.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/docintake/internal/logging"
)

// ErrObjectNotFound is returned by Head when the key holds no object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is what the store observed about an object.
type ObjectInfo struct {
	Size     int64
	MimeType string
}

// Gateway is the object store contract. Delete is best-effort for callers:
// its error is for logging, not for control flow.
type Gateway interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, mimeType string) error
	// PresignPut returns a URL a third party may PUT to until ttl elapses.
	// A positive size is signed into the request.
	PresignPut(ctx context.Context, key, mimeType string, size int64, ttl time.Duration) (string, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

var now = time.Now

// NewStorageKey returns a fresh key of the form
// uploads/<owner>/<yyyy>/<mm>/<dd>/<uuid><ext>.
func NewStorageKey(owner, name string) string {
	d := now().UTC()
	owner = strings.ReplaceAll(owner, "/", "_")
	ext := strings.ToLower(filepath.Ext(name))
	return fmt.Sprintf("uploads/%s/%04d/%02d/%02d/%s%s", owner, d.Year(), d.Month(), d.Day(), uuid.New(), ext)
}

const deleteParallelism = 8

// DeleteAll attempts to delete every key, even after ctx is cancelled, and
// logs failures instead of returning them.
func DeleteAll(ctx context.Context, gw Gateway, log logging.Logger, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(deleteParallelism)
	for _, key := range keys {
		g.Go(func() error {
			if err := gw.Delete(ctx, key); err != nil {
				log.Warn(ctx, "best-effort delete failed", "storage_key", key, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
