package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audioextract/internal/config"
	"github.com/maauso/audioextract/internal/notify"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                   0,
		MaxUploadMB:            1,
		AuthSvcAddress:         "http://127.0.0.1:1",
		AuthTimeout:            time.Second,
		QueueBackend:           config.QueueMemory,
		VideoQueue:             "video",
		MP3Queue:               "mp3",
		QueueBlockTimeout:      50 * time.Millisecond,
		QueueVisibilityTimeout: 3 * time.Second,
		QueueMaxDeliveries:     3,
		QueueMaxLen:            1000,
		RedisDialTimeout:       time.Second,
		RedisHealthInterval:    time.Second,
		ConverterWorkers:       2,
		NotifierWorkers:        1,
		RetryBackoffBase:       time.Millisecond,
		RetryBackoffMax:        10 * time.Millisecond,
		FFmpegPath:             "ffmpeg",
		StorageBackend:         config.StorageLocal,
		StorageDir:             t.TempDir(),
		MailBackend:            config.MailLog,
	}
}

func TestNewDependencies_AllInOne(t *testing.T) {
	deps, err := NewDependencies(t.Context(), testConfig(t), config.RoleAll, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, deps.Close()) })

	assert.IsType(t, &queue.MemoryBroker{}, deps.Broker)
	assert.IsType(t, &storage.LocalStore{}, deps.Store)
	assert.IsType(t, &notify.LogMailer{}, deps.Mailer)
	assert.NotNil(t, deps.Auth)
	assert.NotNil(t, deps.Transcoder)
	assert.Zero(t, deps.heartbeat)
}

func TestNewDependencies_RoleScoped(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.QueueBackend = config.QueueRedis
	cfg.RedisAddr = mr.Addr()

	deps, err := NewDependencies(t.Context(), cfg, config.RoleNotifier, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, deps.Close()) })

	assert.IsType(t, &queue.RedisBroker{}, deps.Broker)
	assert.NotNil(t, deps.Mailer)
	assert.Nil(t, deps.Store)
	assert.Nil(t, deps.Auth)
	assert.Nil(t, deps.Transcoder)
	assert.Equal(t, time.Second, deps.heartbeat)
}

func TestNewDependencies_Failures(t *testing.T) {
	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig(t)
		cfg.QueueBackend = config.QueueRedis
		cfg.RedisAddr = addr
		_, err := NewDependencies(t.Context(), cfg, config.RoleConverter, testLogger())
		assert.ErrorIs(t, err, queue.ErrUnavailable)
	})

	t.Run("auth address missing", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AuthSvcAddress = ""
		_, err := NewDependencies(t.Context(), cfg, config.RoleGateway, testLogger())
		assert.Error(t, err)
	})

	t.Run("gmail credentials missing", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MailBackend = config.MailGmail
		cfg.GmailCredentialsFile = t.TempDir() + "/missing.json"
		cfg.GmailTokenFile = t.TempDir() + "/token.json"
		_, err := NewDependencies(t.Context(), cfg, config.RoleNotifier, testLogger())
		assert.Error(t, err)
	})
}

func TestRunGateway(t *testing.T) {
	deps, err := NewDependencies(t.Context(), testConfig(t), config.RoleGateway, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- RunGateway(ctx, deps, ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("gateway exited early: %v", err)
	}
	base := fmt.Sprintf("http://%s", addr)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(base + "/download?fid=aud_01h455vb4pex5vsknk084sn02q")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	deps, err := NewDependencies(t.Context(), testConfig(t), config.RoleAll, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, deps) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunConverter_DeadLettersMalformedJob(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.QueueBackend = config.QueueRedis
	cfg.RedisAddr = mr.Addr()

	deps, err := NewDependencies(t.Context(), cfg, config.RoleConverter, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })
	broker := deps.Broker.(*queue.RedisBroker)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, deps) }()

	require.NoError(t, broker.Publish(t.Context(), "video", []byte("not json")))

	assert.Eventually(t, func() bool {
		dead, err := broker.DeadLetters(t.Context(), "video", 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("converter did not stop")
	}
}

func TestConsumerName(t *testing.T) {
	name := consumerName(config.RoleConverter)
	assert.True(t, strings.HasPrefix(name, "converter-"), name)
	assert.True(t, strings.HasSuffix(name, fmt.Sprintf("-%d", os.Getpid())), name)
}
