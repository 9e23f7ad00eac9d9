// Package gateway implements the ingestion and retrieval edge of the
// pipeline, independent of the HTTP layer.
//
// Ingest stores the upload and publishes a VideoJob. Store and publish are
// not atomic; when publish fails the stored source blob is deleted before
// the error is returned, so a failed ingest leaves neither a blob nor a job.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/maauso/audioextract/internal/auth"
	"github.com/maauso/audioextract/internal/id"
	"github.com/maauso/audioextract/internal/job"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/storage"
)

// Static errors for malformed client input.
var (
	// ErrBadRequest is the parent of every client input error.
	ErrBadRequest = errors.New("bad request")
	// ErrNoFile is returned when an upload carries no file.
	ErrNoFile = fmt.Errorf("%w: no file", ErrBadRequest)
	// ErrTooManyFiles is returned when an upload carries more than one file.
	ErrTooManyFiles = fmt.Errorf("%w: exactly one file required", ErrBadRequest)
	// ErrInvalidBlobID is returned for a retrieval ID that is not a
	// well-formed derived blob ID.
	ErrInvalidBlobID = fmt.Errorf("%w: invalid blob id", ErrBadRequest)
)

// sniffLen is how much of an upload is buffered for content detection.
const sniffLen = 3072

// Authority is the delegated authentication service.
type Authority interface {
	auth.Authorizer
	Login(ctx context.Context, username, password string) (string, error)
}

// File is one uploaded file.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileSource yields the files of one upload.
type FileSource interface {
	Files() ([]File, error)
}

// Files is a FileSource over a fixed list.
type Files []File

// Files returns fs.
func (fs Files) Files() ([]File, error) {
	return fs, nil
}

// Service implements ingestion and retrieval.
type Service struct {
	authority  Authority
	store      storage.Store
	publisher  queue.Publisher
	videoQueue queue.Name
	logger     *slog.Logger
}

// NewService creates a gateway Service publishing to videoQueue.
func NewService(authority Authority, store storage.Store, publisher queue.Publisher, videoQueue queue.Name, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		authority:  authority,
		store:      store,
		publisher:  publisher,
		videoQueue: videoQueue,
		logger:     logger,
	}
}

// authorize validates token and requires the privileged flag.
func (s *Service) authorize(ctx context.Context, token string) (auth.Claims, error) {
	claims, err := s.authority.Authorize(ctx, token)
	if err != nil {
		return auth.Claims{}, err
	}
	if err := claims.RequirePrivileged(); err != nil {
		return auth.Claims{}, err
	}
	return claims, nil
}

// Ingest stores the single file in src and queues it for conversion.
// It returns the source blob ID once the job is published.
func (s *Service) Ingest(ctx context.Context, token string, src FileSource) (string, error) {
	claims, err := s.authorize(ctx, token)
	if err != nil {
		return "", err
	}

	files, err := src.Files()
	if err != nil {
		return "", err
	}
	switch {
	case len(files) == 0:
		return "", ErrNoFile
	case len(files) > 1:
		return "", ErrTooManyFiles
	}

	f, err := files[0].Open()
	if err != nil {
		return "", fmt.Errorf("%w: open %q: %v", ErrBadRequest, files[0].Name, err)
	}
	defer func() { _ = f.Close() }()

	data, contentType, err := sniff(f)
	if err != nil {
		return "", fmt.Errorf("%w: read %q: %v", ErrBadRequest, files[0].Name, err)
	}

	videoID, err := s.store.Put(ctx, storage.NamespaceSource, data, contentType)
	if err != nil {
		return "", err
	}

	logger := s.logger.With(
		slog.String("video_blob_id", videoID),
		slog.String("requester", claims.Identity),
	)

	body, err := job.NewVideoJob(videoID, claims.Identity).Encode()
	if err == nil {
		err = s.publisher.Publish(ctx, s.videoQueue, body)
	}
	if err != nil {
		logger.Error("publish failed, removing source blob", slog.String("error", err.Error()))
		s.discard(ctx, videoID, logger)
		return "", err
	}

	logger.Info("video queued",
		slog.String("file", files[0].Name),
		slog.String("content_type", contentType),
	)
	return videoID, nil
}

// discard deletes a source blob whose job was never published.
func (s *Service) discard(ctx context.Context, videoID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, storage.NamespaceSource, videoID); err != nil {
		logger.Error("failed to delete orphaned source blob", slog.String("error", err.Error()))
	}
}

// sniff detects the content type from the head of r and returns a reader
// replaying the whole stream.
func sniff(r io.Reader) (io.Reader, string, error) {
	var head bytes.Buffer
	mt, err := mimetype.DetectReader(io.TeeReader(io.LimitReader(r, sniffLen), &head))
	if err != nil {
		return nil, "", err
	}
	return io.MultiReader(&head, r), mt.String(), nil
}

// Retrieve opens the derived blob rawID for a privileged caller.
// The caller must close the returned Object's Body.
func (s *Service) Retrieve(ctx context.Context, token, rawID string) (*storage.Object, error) {
	if _, err := s.authorize(ctx, token); err != nil {
		return nil, err
	}

	blobID, err := id.Parse(rawID, id.PrefixAudio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlobID, err)
	}

	return s.store.Open(ctx, storage.NamespaceDerived, blobID)
}

// Login exchanges basic credentials for a token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	return s.authority.Login(ctx, username, password)
}
