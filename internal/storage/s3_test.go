package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a minimal path-style S3 endpoint backed by a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	fail    bool
}

type fakeObject struct {
	body        []byte
	contentType string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = fakeObject{body: body, contentType: r.Header.Get("Content-Type")}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(obj.body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func setupS3Store(t *testing.T, cfg S3Config) (*S3Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg.Endpoint = server.URL
	if cfg.Bucket == "" {
		cfg.Bucket = "test-bucket"
	}
	cfg.Region = "us-east-1"
	cfg.AccessKeyID = "test-access-key"
	cfg.SecretAccessKey = "test-secret-key"

	s, err := NewS3Store(context.Background(), cfg)
	require.NoError(t, err)
	return s, fake
}

func TestNewS3Store(t *testing.T) {
	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:4566", // LocalStack-like endpoint
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "test-bucket", s.bucket)
	assert.NotNil(t, s.uploader)
}

func TestS3Store_Contract(t *testing.T) {
	s, _ := setupS3Store(t, S3Config{})
	runStoreContract(t, s)
}

func TestS3Store_KeyLayout(t *testing.T) {
	s, fake := setupS3Store(t, S3Config{KeyPrefix: "pipeline"})

	blobID, err := s.Put(context.Background(), NamespaceDerived, strings.NewReader("mp3"), "audio/mpeg")
	require.NoError(t, err)

	assert.Equal(t, []string{"test-bucket/pipeline/mp3s/" + blobID}, fake.keys())
}

func TestS3Store_UnavailableBackend(t *testing.T) {
	s, fake := setupS3Store(t, S3Config{})
	ctx := context.Background()

	blobID, err := s.Put(ctx, NamespaceSource, strings.NewReader("v"), "video/mp4")
	require.NoError(t, err)

	fake.mu.Lock()
	fake.fail = true
	fake.mu.Unlock()

	_, err = s.Open(ctx, NamespaceSource, blobID)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
}
