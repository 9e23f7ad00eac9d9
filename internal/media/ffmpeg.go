// Package media extracts audio from video.
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
)

// Static errors for media operations.
var (
	// ErrTranscodeFailed is returned when the input cannot be converted,
	// e.g. it is not a video or has no audio track. Retrying will not help.
	ErrTranscodeFailed = errors.New("media: transcode failed")
	// ErrEmptyInput is returned when the input stream has no bytes.
	ErrEmptyInput = fmt.Errorf("%w: empty input", ErrTranscodeFailed)
)

// AudioContentType is the content type of Transcode output.
const AudioContentType = "audio/mpeg"

// Transcoder converts a video stream into an MP3 audio stream.
type Transcoder interface {
	// Transcode reads the whole video and returns the encoded audio.
	// The caller is responsible for closing the returned ReadCloser.
	Transcode(ctx context.Context, video io.Reader) (io.ReadCloser, error)
}

// FFmpegTranscoder implements Transcoder using the ffmpeg CLI.
type FFmpegTranscoder struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// tempDir holds the spooled input and the encoded output.
	tempDir string
}

// Compile-time check that FFmpegTranscoder implements Transcoder.
var _ Transcoder = (*FFmpegTranscoder)(nil)

// NewFFmpegTranscoder creates a new FFmpegTranscoder.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
// If tempDir is empty, os.TempDir() is used.
func NewFFmpegTranscoder(ffmpegPath, tempDir string) *FFmpegTranscoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegTranscoder{ffmpegPath: ffmpegPath, tempDir: tempDir}
}

// Transcode spools the video to disk (containers like MP4 need seekable
// input), drops the video stream and encodes the audio with libmp3lame.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, video io.Reader) (io.ReadCloser, error) {
	work, err := os.MkdirTemp(t.tempDir, "transcode_*")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	input := filepath.Join(work, "input")
	output := filepath.Join(work, "output.mp3")

	n, err := spool(video, input)
	if err != nil {
		_ = os.RemoveAll(work)
		return nil, err
	}
	if n == 0 {
		_ = os.RemoveAll(work)
		return nil, ErrEmptyInput
	}

	args := []string{
		"-y", // Overwrite output file without asking
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,             // Input file
		"-vn",                   // Drop video
		"-acodec", "libmp3lame", // MP3 encoder
		"-q:a", "2",             // VBR quality (~190 kbit/s)
		output,
	}
	if err := t.runFFmpeg(ctx, args); err != nil {
		_ = os.RemoveAll(work)
		return nil, err
	}

	f, err := os.Open(output) // #nosec G304 - path is built internally
	if err != nil {
		_ = os.RemoveAll(work)
		return nil, fmt.Errorf("open transcoded audio: %w", err)
	}
	return &tempFile{File: f, dir: work}, nil
}

func spool(r io.Reader, path string) (int64, error) {
	f, err := os.Create(path) // #nosec G304 - path is built internally
	if err != nil {
		return 0, fmt.Errorf("create input file: %w", err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("spool input: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close input file: %w", err)
	}
	return n, nil
}

// runFFmpeg executes ffmpeg with the given arguments. A non-zero exit is
// reported as ErrTranscodeFailed wrapping an FFmpegError with stderr.
func (t *FFmpegTranscoder) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Cancellation is not the input's fault.
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("run ffmpeg: %w", err)
		}
		return fmt.Errorf("%w: %w", ErrTranscodeFailed, &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		})
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// tempFile removes its work directory on Close.
type tempFile struct {
	*os.File
	dir string
}

func (f *tempFile) Close() error {
	err := f.File.Close()
	if rmErr := os.RemoveAll(f.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
