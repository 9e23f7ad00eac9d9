package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
}

// createTestVideo creates a short test video using ffmpeg, with or without
// an audio track.
func createTestVideo(t *testing.T, withAudio bool) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.mp4")

	args := []string{"-y", "-f", "lavfi", "-i", "color=c=blue:s=64x64:d=1"}
	if withAudio {
		args = append(args, "-f", "lavfi", "-i", "sine=frequency=440:duration=1", "-c:a", "aac", "-shortest")
	}
	args = append(args, "-c:v", "libx264", "-preset", "ultrafast", path)

	cmd := exec.Command("ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test video: %v\noutput: %s", err, output)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestNewFFmpegTranscoder(t *testing.T) {
	tr := NewFFmpegTranscoder("", "")
	assert.Equal(t, "ffmpeg", tr.ffmpegPath)

	tr = NewFFmpegTranscoder("/opt/ffmpeg", "/scratch")
	assert.Equal(t, "/opt/ffmpeg", tr.ffmpegPath)
	assert.Equal(t, "/scratch", tr.tempDir)
}

func TestFFmpegTranscoder_Transcode(t *testing.T) {
	skipIfNoFFmpeg(t)
	tempDir := t.TempDir()
	tr := NewFFmpegTranscoder("", tempDir)

	out, err := tr.Transcode(context.Background(), bytes.NewReader(createTestVideo(t, true)))
	require.NoError(t, err)

	audio, err := io.ReadAll(out)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	require.NotEmpty(t, audio)
	isMP3 := bytes.HasPrefix(audio, []byte("ID3")) || (audio[0] == 0xFF && audio[1]&0xE0 == 0xE0)
	assert.True(t, isMP3, "output does not look like MP3")

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directory must be removed on Close")
}

func TestFFmpegTranscoder_PermanentFailures(t *testing.T) {
	skipIfNoFFmpeg(t)
	tr := NewFFmpegTranscoder("", t.TempDir())

	tests := []struct {
		name  string
		input func(t *testing.T) []byte
	}{
		{"not a video", func(*testing.T) []byte { return []byte(strings.Repeat("garbage", 100)) }},
		{"video without audio", func(t *testing.T) []byte { return createTestVideo(t, false) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transcode(context.Background(), bytes.NewReader(tt.input(t)))
			require.ErrorIs(t, err, ErrTranscodeFailed)

			var ffErr *FFmpegError
			require.True(t, errors.As(err, &ffErr))
			assert.NotEmpty(t, ffErr.Stderr)
		})
	}
}

func TestFFmpegTranscoder_EmptyInput(t *testing.T) {
	tempDir := t.TempDir()
	tr := NewFFmpegTranscoder("", tempDir)

	_, err := tr.Transcode(context.Background(), bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.ErrorIs(t, err, ErrTranscodeFailed)

	entries, _ := os.ReadDir(tempDir)
	assert.Empty(t, entries)
}

func TestFFmpegTranscoder_MissingBinaryIsNotPermanent(t *testing.T) {
	tr := NewFFmpegTranscoder(filepath.Join(t.TempDir(), "no-such-ffmpeg"), t.TempDir())

	_, err := tr.Transcode(context.Background(), strings.NewReader("data"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTranscodeFailed)
}

func TestFFmpegTranscoder_CancelledContext(t *testing.T) {
	skipIfNoFFmpeg(t)
	tr := NewFFmpegTranscoder("", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Transcode(ctx, strings.NewReader("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTranscodeFailed)
}

func TestFFmpegError(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &FFmpegError{Args: []string{"-i", "x"}, Stderr: "bad input", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", inner, []string{"-i", "x"}, "bad input"), err.Error())
}
