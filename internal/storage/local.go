package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Compile-time check that LocalStore implements Store.
var _ Store = (*LocalStore)(nil)

// localMeta is written next to each blob as <id>.meta.
type localMeta struct {
	ContentType string `json:"content_type"`
}

// LocalStore implements Store on local disk.
// Blobs are stored as <root>/<namespace>/<id> with a JSON sidecar holding
// the content type. Writes go to a temp file first and are renamed into
// place, so a blob is either fully present or absent.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new LocalStore rooted at dir.
// If dir is empty, a directory under os.TempDir() is used.
// The namespace directories are created if they don't exist.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "audioextract")
	}

	for _, ns := range []Namespace{NamespaceSource, NamespaceDerived} {
		if err := os.MkdirAll(filepath.Join(dir, string(ns)), 0750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	return &LocalStore{root: dir}, nil
}

// Root returns the storage root directory.
func (s *LocalStore) Root() string {
	return s.root
}

// Put writes data to disk under a new ID.
func (s *LocalStore) Put(ctx context.Context, ns Namespace, data io.Reader, contentType string) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	blobID, err := newID(ns)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, string(ns))

	f, err := os.CreateTemp(dir, ".upload_*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrUnavailable, err)
	}

	tmpName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: write blob: %v", ErrUnavailable, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: close blob: %v", ErrUnavailable, err)
	}

	meta, err := json.Marshal(localMeta{ContentType: contentType})
	if err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("marshal blob metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, blobID+".meta"), meta, 0600); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: write blob metadata: %v", ErrUnavailable, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, blobID)); err != nil {
		_ = os.Remove(tmpName)
		_ = os.Remove(filepath.Join(dir, blobID+".meta"))
		return "", fmt.Errorf("%w: commit blob: %v", ErrUnavailable, err)
	}

	return blobID, nil
}

// Open opens the blob file for reading.
// The caller is responsible for closing the returned Object's Body.
func (s *LocalStore) Open(ctx context.Context, ns Namespace, blobID string) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if err := checkKey(ns, blobID); err != nil {
		return nil, err
	}

	path := filepath.Join(s.root, string(ns), blobID)
	f, err := os.Open(path) // #nosec G304 - blobID is validated by checkKey
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, blobID)
		}
		return nil, fmt.Errorf("%w: open blob: %v", ErrUnavailable, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat blob: %v", ErrUnavailable, err)
	}

	contentType, err := s.contentType(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Object{
		ID:          blobID,
		Namespace:   ns,
		ContentType: contentType,
		Size:        info.Size(),
		Body:        f,
	}, nil
}

// contentType reads the sidecar, falling back to sniffing the blob when the
// sidecar is missing. f is rewound before returning.
func (s *LocalStore) contentType(f *os.File, path string) (string, error) {
	raw, err := os.ReadFile(path + ".meta") // #nosec G304 - derived from a validated blob path
	if err == nil {
		var meta localMeta
		if jsonErr := json.Unmarshal(raw, &meta); jsonErr == nil && meta.ContentType != "" {
			return meta.ContentType, nil
		}
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("%w: detect content type: %v", ErrUnavailable, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: rewind blob: %v", ErrUnavailable, err)
	}
	return mt.String(), nil
}

// Delete removes the blob and its sidecar. Missing files are ignored.
func (s *LocalStore) Delete(ctx context.Context, ns Namespace, blobID string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if err := checkKey(ns, blobID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	path := filepath.Join(s.root, string(ns), blobID)
	var firstErr error
	for _, p := range []string{path, path + ".meta"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: remove %s: %v", ErrUnavailable, p, err)
			}
		}
	}
	return firstErr
}

// Ping checks that the storage root is still accessible.
func (s *LocalStore) Ping(context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
