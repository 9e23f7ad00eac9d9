package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

type memoryBlob struct {
	data        []byte
	contentType string
}

// MemoryStore is an in-memory implementation of Store.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Namespace]map[string]memoryBlob
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[Namespace]map[string]memoryBlob),
	}
}

// Put copies data into memory under a new ID.
func (s *MemoryStore) Put(ctx context.Context, ns Namespace, data io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	blobID, err := newID(ns)
	if err != nil {
		return "", err
	}

	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read blob data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs[ns] == nil {
		s.blobs[ns] = make(map[string]memoryBlob)
	}
	s.blobs[ns][blobID] = memoryBlob{data: buf, contentType: contentType}
	return blobID, nil
}

// Open returns a reader over a copy of the stored bytes.
func (s *MemoryStore) Open(ctx context.Context, ns Namespace, blobID string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[ns][blobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, blobID)
	}

	data := bytes.Clone(b.data)
	return &Object{
		ID:          blobID,
		Namespace:   ns,
		ContentType: b.contentType,
		Size:        int64(len(data)),
		Body:        io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// Delete removes a blob if present.
func (s *MemoryStore) Delete(_ context.Context, ns Namespace, blobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs[ns], blobID)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of blobs stored in ns.
func (s *MemoryStore) Len(ns Namespace) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs[ns])
}

// IDs returns the IDs stored in ns, in no particular order.
func (s *MemoryStore) IDs(ns Namespace) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs[ns]))
	for k := range s.blobs[ns] {
		out = append(out, k)
	}
	return out
}
