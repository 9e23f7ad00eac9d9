package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check that GridFSStore implements Store.
var _ Store = (*GridFSStore)(nil)

// GridFSStore implements Store on MongoDB GridFS, one bucket per namespace.
// The caller owns the client lifecycle.
type GridFSStore struct {
	db      *mongo.Database
	buckets map[Namespace]*mongo.GridFSBucket
}

// NewGridFSStore creates a GridFS-backed store on db.
func NewGridFSStore(db *mongo.Database) *GridFSStore {
	buckets := make(map[Namespace]*mongo.GridFSBucket, 2)
	for _, ns := range []Namespace{NamespaceSource, NamespaceDerived} {
		buckets[ns] = db.GridFSBucket(options.GridFSBucket().SetName(string(ns)))
	}
	return &GridFSStore{db: db, buckets: buckets}
}

func (s *GridFSStore) bucket(ns Namespace) (*mongo.GridFSBucket, error) {
	b, ok := s.buckets[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	return b, nil
}

// Put streams data into the namespace bucket under a new ID.
func (s *GridFSStore) Put(ctx context.Context, ns Namespace, data io.Reader, contentType string) (string, error) {
	b, err := s.bucket(ns)
	if err != nil {
		return "", err
	}
	blobID, err := newID(ns)
	if err != nil {
		return "", err
	}

	opts := options.GridFSUpload().SetMetadata(bson.D{{Key: "content_type", Value: contentType}})
	if err := b.UploadFromStreamWithID(ctx, blobID, blobID, data, opts); err != nil {
		return "", fmt.Errorf("%w: gridfs upload %s/%s: %v", ErrUnavailable, ns, blobID, err)
	}
	return blobID, nil
}

// Open opens a GridFS download stream.
func (s *GridFSStore) Open(ctx context.Context, ns Namespace, blobID string) (*Object, error) {
	if err := checkKey(ns, blobID); err != nil {
		return nil, err
	}
	b, err := s.bucket(ns)
	if err != nil {
		return nil, err
	}

	stream, err := b.OpenDownloadStream(ctx, blobID)
	if err != nil {
		if errors.Is(err, mongo.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, blobID)
		}
		return nil, fmt.Errorf("%w: gridfs open %s/%s: %v", ErrUnavailable, ns, blobID, err)
	}

	file := stream.GetFile()
	contentType := ""
	if v, lookupErr := file.Metadata.LookupErr("content_type"); lookupErr == nil {
		contentType, _ = v.StringValueOK()
	}

	return &Object{
		ID:          blobID,
		Namespace:   ns,
		ContentType: contentType,
		Size:        file.Length,
		Body:        stream,
	}, nil
}

// Delete removes the file and its chunks. Missing files are ignored.
func (s *GridFSStore) Delete(ctx context.Context, ns Namespace, blobID string) error {
	if err := checkKey(ns, blobID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	b, err := s.bucket(ns)
	if err != nil {
		return err
	}

	if err := b.Delete(ctx, blobID); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
		return fmt.Errorf("%w: gridfs delete %s/%s: %v", ErrUnavailable, ns, blobID, err)
	}
	return nil
}

// Ping checks the MongoDB connection.
func (s *GridFSStore) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: mongo ping: %v", ErrUnavailable, err)
	}
	return nil
}
