package mp3_converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

var ErrEmptyInput = errors.New("empty video payload")

// CommandRunner runs external commands. Tests swap in a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecCommandRunner struct{}

// Run returns ffmpeg's stderr inside the error so failures are readable in logs.
func (ExecCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, tail(out, 512))
	}
	return nil
}

func (ExecCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Converter extracts the audio track of a video as mp3 by shelling out to
// ffmpeg. Input and output go through a private temp directory.
type Converter struct {
	ffmpegPath string
	bitrate    string
	tempDir    string
	runner     CommandRunner
}

type Option func(*Converter)

func WithFFmpegPath(path string) Option {
	return func(c *Converter) { c.ffmpegPath = path }
}

func WithBitrate(bitrate string) Option {
	return func(c *Converter) { c.bitrate = bitrate }
}

// WithTempDir sets where scratch files go; empty means os.TempDir.
func WithTempDir(dir string) Option {
	return func(c *Converter) { c.tempDir = dir }
}

func WithCommandRunner(runner CommandRunner) Option {
	return func(c *Converter) { c.runner = runner }
}

func New(opts ...Option) *Converter {
	c := &Converter{
		ffmpegPath: "ffmpeg",
		bitrate:    "192k",
		runner:     ExecCommandRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Converter) Extract(ctx context.Context, video []byte) ([]byte, error) {
	if len(video) == 0 {
		return nil, ErrEmptyInput
	}

	dir, err := os.MkdirTemp(c.tempDir, "mp3hub-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input")
	out := filepath.Join(dir, "output.mp3")
	if err := os.WriteFile(in, video, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	args := []string{
		"-nostdin",
		"-loglevel", "error",
		"-i", in,
		"-vn",
		"-acodec", "libmp3lame",
		"-ab", c.bitrate,
		"-y",
		out,
	}
	if err := c.runner.Run(ctx, c.ffmpegPath, args...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ffmpeg audio extraction aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("ffmpeg audio extraction failed: %w", err)
	}

	audio, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("ffmpeg produced an empty file")
	}
	return audio, nil
}

// VerifyInstalled checks that ffmpeg is available.
func (c *Converter) VerifyInstalled(ctx context.Context) error {
	if _, err := c.runner.Output(ctx, c.ffmpegPath, "-version"); err != nil {
		return fmt.Errorf("ffmpeg not found or not executable: %w", err)
	}
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) > n {
		return b[len(b)-n:]
	}
	return b
}
