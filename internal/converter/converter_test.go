package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audioextract/internal/id"
	"github.com/maauso/audioextract/internal/job"
	"github.com/maauso/audioextract/internal/media"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/storage"
	"github.com/maauso/audioextract/internal/worker"
)

const (
	videoQueue queue.Name = "video"
	audioQueue queue.Name = "mp3"
)

// stubTranscoder prefixes the input so tests can tell output from input.
type stubTranscoder struct {
	err   error
	calls int
}

func (s *stubTranscoder) Transcode(_ context.Context, video io.Reader) (io.ReadCloser, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	data, err := io.ReadAll(video)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(append([]byte("mp3:"), data...))), nil
}

// failingPublisher rejects every publish.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, queue.Name, []byte) error {
	return fmt.Errorf("%w: connection refused", queue.ErrUnavailable)
}

// flakyStore fails Open with a transient error.
type flakyStore struct {
	storage.Store
}

func (flakyStore) Open(context.Context, storage.Namespace, string) (*storage.Object, error) {
	return nil, fmt.Errorf("%w: timeout", storage.ErrUnavailable)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deliver publishes body on the video queue and receives it back.
func deliver(t *testing.T, body []byte) *queue.Delivery {
	t.Helper()
	b := queue.NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), videoQueue, body))
	c, err := b.Consume(context.Background(), videoQueue, "converter", "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := c.Receive(ctx)
	require.NoError(t, err)
	return d
}

func storeVideo(t *testing.T, s storage.Store, data string) string {
	t.Helper()
	vid, err := s.Put(context.Background(), storage.NamespaceSource, strings.NewReader(data), "video/mp4")
	require.NoError(t, err)
	return vid
}

func videoJob(t *testing.T, videoID string) []byte {
	t.Helper()
	body, err := job.NewVideoJob(videoID, "alice@example.com").Encode()
	require.NoError(t, err)
	return body
}

func TestHandle_Success(t *testing.T) {
	store := storage.NewMemoryStore()
	broker := queue.NewMemoryBroker()
	tc := &stubTranscoder{}
	h := NewHandler(store, tc, broker, audioQueue, discardLogger())

	vid := storeVideo(t, store, "frames")
	err := h.Handle(context.Background(), deliver(t, videoJob(t, vid)))
	require.NoError(t, err)

	msgs := broker.Messages(audioQueue)
	require.Len(t, msgs, 1)
	aj, err := job.DecodeAudioReadyJob(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", aj.RequesterIdentity)

	_, err = id.Parse(aj.DerivedBlobID, id.PrefixAudio)
	require.NoError(t, err)

	data, ct, err := storage.Get(context.Background(), store, storage.NamespaceDerived, aj.DerivedBlobID)
	require.NoError(t, err)
	assert.Equal(t, "mp3:frames", string(data))
	assert.Equal(t, media.AudioContentType, ct)

	// The source stays in place.
	assert.Equal(t, 1, store.Len(storage.NamespaceSource))
}

func TestHandle_RedeliveryMintsFreshID(t *testing.T) {
	store := storage.NewMemoryStore()
	broker := queue.NewMemoryBroker()
	h := NewHandler(store, &stubTranscoder{}, broker, audioQueue, discardLogger())

	vid := storeVideo(t, store, "frames")
	body := videoJob(t, vid)
	require.NoError(t, h.Handle(context.Background(), deliver(t, body)))
	require.NoError(t, h.Handle(context.Background(), deliver(t, body)))

	msgs := broker.Messages(audioQueue)
	require.Len(t, msgs, 2)
	first, _ := job.DecodeAudioReadyJob(msgs[0])
	second, _ := job.DecodeAudioReadyJob(msgs[1])
	assert.NotEqual(t, first.DerivedBlobID, second.DerivedBlobID)
	assert.Equal(t, 2, store.Len(storage.NamespaceDerived))
}

func TestHandle_PermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T, s storage.Store) []byte
		tc   *stubTranscoder
	}{
		{
			name: "malformed json",
			body: func(*testing.T, storage.Store) []byte { return []byte("{not json") },
			tc:   &stubTranscoder{},
		},
		{
			name: "missing requester",
			body: func(*testing.T, storage.Store) []byte {
				return []byte(`{"video_blob_id":"` + id.New(id.PrefixVideo) + `"}`)
			},
			tc: &stubTranscoder{},
		},
		{
			name: "foreign blob id",
			body: func(t *testing.T, _ storage.Store) []byte { return videoJob(t, "507f1f77bcf86cd799439011") },
			tc:   &stubTranscoder{},
		},
		{
			name: "source missing",
			body: func(t *testing.T, _ storage.Store) []byte { return videoJob(t, id.New(id.PrefixVideo)) },
			tc:   &stubTranscoder{},
		},
		{
			name: "unconvertible input",
			body: func(t *testing.T, s storage.Store) []byte { return videoJob(t, storeVideo(t, s, "text")) },
			tc:   &stubTranscoder{err: fmt.Errorf("%w: no audio stream", media.ErrTranscodeFailed)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			broker := queue.NewMemoryBroker()
			h := NewHandler(store, tt.tc, broker, audioQueue, discardLogger())

			err := h.Handle(context.Background(), deliver(t, tt.body(t, store)))
			require.Error(t, err)
			assert.True(t, worker.IsPermanent(err), "expected permanent error, got %v", err)
			assert.Empty(t, broker.Messages(audioQueue))
			assert.Equal(t, 0, store.Len(storage.NamespaceDerived))
		})
	}
}

func TestHandle_TransientFailures(t *testing.T) {
	t.Run("store unavailable", func(t *testing.T) {
		broker := queue.NewMemoryBroker()
		h := NewHandler(flakyStore{storage.NewMemoryStore()}, &stubTranscoder{}, broker, audioQueue, discardLogger())

		err := h.Handle(context.Background(), deliver(t, videoJob(t, id.New(id.PrefixVideo))))
		require.Error(t, err)
		assert.False(t, worker.IsPermanent(err))
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})

	t.Run("transcoder crashed", func(t *testing.T) {
		store := storage.NewMemoryStore()
		h := NewHandler(store, &stubTranscoder{err: errors.New("exec: killed")}, queue.NewMemoryBroker(), audioQueue, discardLogger())

		err := h.Handle(context.Background(), deliver(t, videoJob(t, storeVideo(t, store, "frames"))))
		require.Error(t, err)
		assert.False(t, worker.IsPermanent(err))
	})

	t.Run("publish fails removes derived blob", func(t *testing.T) {
		store := storage.NewMemoryStore()
		h := NewHandler(store, &stubTranscoder{}, failingPublisher{}, audioQueue, discardLogger())

		err := h.Handle(context.Background(), deliver(t, videoJob(t, storeVideo(t, store, "frames"))))
		require.Error(t, err)
		assert.False(t, worker.IsPermanent(err))
		assert.ErrorIs(t, err, queue.ErrUnavailable)
		assert.Equal(t, 0, store.Len(storage.NamespaceDerived))
		assert.Equal(t, 1, store.Len(storage.NamespaceSource))
	})
}

func TestHandle_CrashBeforeAckDuplicatesOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	broker := queue.NewMemoryBroker()
	h := NewHandler(store, &stubTranscoder{}, broker, audioQueue, discardLogger())

	vid := storeVideo(t, store, "frames")
	require.NoError(t, broker.Publish(context.Background(), videoQueue, videoJob(t, vid)))

	receive := func(name string) (queue.Consumer, *queue.Delivery) {
		c, err := broker.Consume(context.Background(), videoQueue, "converter", name)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d, err := c.Receive(ctx)
		require.NoError(t, err)
		return c, d
	}

	// First worker stores and publishes, then dies before acking.
	crashed, first := receive("worker-0")
	require.NoError(t, h.Handle(context.Background(), first))
	require.NoError(t, crashed.Close())
	assert.Equal(t, 1, broker.ExpireInFlight(videoQueue))

	// Second worker redoes the job and acks.
	survivor, second := receive("worker-1")
	defer func() { _ = survivor.Close() }()
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, h.Handle(context.Background(), second))
	require.NoError(t, second.Ack(context.Background()))

	assert.Equal(t, 2, store.Len(storage.NamespaceDerived))
	assert.Len(t, broker.Messages(audioQueue), 2)
	assert.Empty(t, broker.Messages(videoQueue))
	assert.Equal(t, 0, broker.InFlight(videoQueue))
}
