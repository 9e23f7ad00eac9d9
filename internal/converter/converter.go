// Package converter turns video jobs into stored audio and announces it on
// the audio-ready queue.
package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/audioextract/internal/id"
	"github.com/maauso/audioextract/internal/job"
	"github.com/maauso/audioextract/internal/media"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/storage"
	"github.com/maauso/audioextract/internal/worker"
)

// Handler processes one VideoJob per delivery.
//
// A delivery is acked only after the derived blob is stored and the
// AudioReadyJob is published. A redelivered job is converted again and gets
// a fresh derived blob ID, so the requester may be notified twice.
type Handler struct {
	store      storage.Store
	transcoder media.Transcoder
	publisher  queue.Publisher
	audioQueue queue.Name
	logger     *slog.Logger
}

// Compile-time check that Handler implements worker.Handler.
var _ worker.Handler = (*Handler)(nil)

// NewHandler creates a conversion handler publishing to audioQueue.
func NewHandler(store storage.Store, transcoder media.Transcoder, publisher queue.Publisher, audioQueue queue.Name, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      store,
		transcoder: transcoder,
		publisher:  publisher,
		audioQueue: audioQueue,
		logger:     logger,
	}
}

// Handle converts the referenced video. Errors that retrying cannot fix are
// marked worker.Permanent; everything else is left for redelivery.
func (h *Handler) Handle(ctx context.Context, d *queue.Delivery) error {
	start := time.Now()

	vj, err := job.DecodeVideoJob(d.Body)
	if err != nil {
		return worker.Permanent(err)
	}
	if _, err := id.Parse(vj.VideoBlobID, id.PrefixVideo); err != nil {
		return worker.Permanent(fmt.Errorf("video job: %w", err))
	}

	logger := h.logger.With(
		slog.String("video_blob_id", vj.VideoBlobID),
		slog.String("requester", vj.RequesterIdentity),
		slog.Int("attempt", d.Attempt),
	)
	logger.Info("converting video")

	src, err := h.store.Open(ctx, storage.NamespaceSource, vj.VideoBlobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return worker.Permanent(fmt.Errorf("open source: %w", err))
		}
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Body.Close() }()

	audio, err := h.transcoder.Transcode(ctx, src.Body)
	if err != nil {
		if errors.Is(err, media.ErrTranscodeFailed) {
			return worker.Permanent(err)
		}
		return fmt.Errorf("transcode: %w", err)
	}
	defer func() { _ = audio.Close() }()

	derivedID, err := h.store.Put(ctx, storage.NamespaceDerived, audio, media.AudioContentType)
	if err != nil {
		return fmt.Errorf("store audio: %w", err)
	}

	body, err := vj.AudioReady(derivedID).Encode()
	if err != nil {
		h.discard(derivedID, logger)
		return worker.Permanent(err)
	}

	if err := h.publisher.Publish(ctx, h.audioQueue, body); err != nil {
		h.discard(derivedID, logger)
		return fmt.Errorf("publish audio-ready: %w", err)
	}

	logger.Info("audio ready",
		slog.String("derived_blob_id", derivedID),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// discard removes a derived blob that was never announced.
func (h *Handler) discard(derivedID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.store.Delete(ctx, storage.NamespaceDerived, derivedID); err != nil {
		logger.Warn("failed to delete orphaned audio",
			slog.String("derived_blob_id", derivedID),
			slog.String("error", err.Error()),
		)
	}
}
