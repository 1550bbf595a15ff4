// Package storagetest provides an in-process storage.Gateway for tests.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/docintake/internal/server/storage"
)

type memObject struct {
	data     []byte
	mimeType string
}

// MemoryGateway is an in-process storage.Gateway. Hooks let callers inject
// per-key failures.
type MemoryGateway struct {
	mu      sync.Mutex
	objects map[string]memObject
	deletes []string

	PutErr    func(key string) error
	HeadErr   func(key string) error
	DeleteErr func(key string) error
}

var _ storage.Gateway = (*MemoryGateway)(nil)

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{objects: make(map[string]memObject)}
}

func (m *MemoryGateway) Put(ctx context.Context, key string, r io.Reader, size int64, mimeType string) error {
	if m.PutErr != nil {
		if err := m.PutErr(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.Store(key, data, mimeType)
	return nil
}

func (m *MemoryGateway) PresignPut(ctx context.Context, key, mimeType string, size int64, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?expires=%d", key, time.Now().Add(ttl).Unix()), nil
}

func (m *MemoryGateway) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if m.HeadErr != nil {
		if err := m.HeadErr(key); err != nil {
			return storage.ObjectInfo{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Size: int64(len(o.data)), MimeType: o.mimeType}, nil
}

func (m *MemoryGateway) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	m.deletes = append(m.deletes, key)
	m.mu.Unlock()
	if m.DeleteErr != nil {
		if err := m.DeleteErr(key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Store places an object directly, as a client holding a presigned URL would.
func (m *MemoryGateway) Store(key string, data []byte, mimeType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: bytes.Clone(data), mimeType: mimeType}
}

// Has reports whether key currently holds an object.
func (m *MemoryGateway) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (m *MemoryGateway) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Deleted returns every key Delete was called with, in call order.
func (m *MemoryGateway) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}
