// Package storage provides the blob store used by the pipeline.
// It defines the Store interface (port) and implementations for memory,
// local disk, S3-compatible object storage and MongoDB GridFS.
//
// Blobs live in namespaces (source videos and derived audio). Identifiers
// are minted by the store on Put and are never reused.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maauso/audioextract/internal/id"
)

// Namespace is a logical partition of the blob store.
type Namespace string

// Blob namespaces.
const (
	NamespaceSource  Namespace = "videos"
	NamespaceDerived Namespace = "mp3s"
)

// Static errors for storage operations.
var (
	// ErrNotFound is returned when no blob exists for a namespace/id pair.
	ErrNotFound = errors.New("storage: blob not found")
	// ErrUnavailable is returned when the backing store cannot be reached
	// or fails a transient operation.
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrUnknownNamespace is returned for a namespace the store does not manage.
	ErrUnknownNamespace = errors.New("storage: unknown namespace")
)

// Object is a stored blob opened for reading.
// The caller is responsible for closing Body.
type Object struct {
	ID          string
	Namespace   Namespace
	ContentType string
	// Size is the blob length in bytes, or -1 when unknown.
	Size int64
	Body io.ReadCloser
}

// Store defines the blob store contract.
type Store interface {
	// Put stores data under a freshly minted ID in ns and returns that ID.
	Put(ctx context.Context, ns Namespace, data io.Reader, contentType string) (string, error)

	// Open returns the blob stored under id in ns.
	// Returns ErrNotFound if it does not exist.
	Open(ctx context.Context, ns Namespace, id string) (*Object, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ns Namespace, id string) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// Get reads a whole blob into memory.
func Get(ctx context.Context, s Store, ns Namespace, blobID string) ([]byte, string, error) {
	obj, err := s.Open(ctx, ns, blobID)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = obj.Body.Close() }()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read %s/%s: %v", ErrUnavailable, ns, blobID, err)
	}
	return data, obj.ContentType, nil
}

// PrefixFor returns the ID prefix used for blobs minted in ns.
func PrefixFor(ns Namespace) (id.Prefix, error) {
	switch ns {
	case NamespaceSource:
		return id.PrefixVideo, nil
	case NamespaceDerived:
		return id.PrefixAudio, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
}

// newID mints a blob ID for ns.
func newID(ns Namespace) (string, error) {
	prefix, err := PrefixFor(ns)
	if err != nil {
		return "", err
	}
	return id.New(prefix), nil
}

// checkKey rejects unknown namespaces and IDs that were not minted for ns.
// Stores use it before building paths or object keys from caller input.
func checkKey(ns Namespace, blobID string) error {
	prefix, err := PrefixFor(ns)
	if err != nil {
		return err
	}
	if _, err := id.Parse(blobID, prefix); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return nil
}
