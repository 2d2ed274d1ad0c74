package media

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/splitcut/backend/pkg/apperror"
)

// Extractor cuts the hook clip and poster frame out of a rendered variant.
type Extractor struct {
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(runner Runner, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{runner: runner, cfg: cfg.withDefaults(), logger: logger}
}

// HookClip writes the first durationMs of input to output using stream copy.
func (e *Extractor) HookClip(ctx context.Context, input, output string, durationMs int64) error {
	if durationMs <= 0 {
		return apperror.Validation("hook clip", "duration must be positive, got %d", durationMs)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CopyTimeout)
	defer cancel()

	if _, err := e.runner.Run(ctx, e.cfg.FFmpegPath, HookClipArgs(input, output, durationMs)...); err != nil {
		return apperror.Extract("hook clip", err, toolOutput(err))
	}
	return nil
}

// Poster writes the frame at t=0 of input to output as a JPEG.
func (e *Extractor) Poster(ctx context.Context, input, output string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CopyTimeout)
	defer cancel()

	if _, err := e.runner.Run(ctx, e.cfg.FFmpegPath, PosterArgs(input, output)...); err != nil {
		return apperror.Extract("poster", err, toolOutput(err))
	}
	return nil
}

// HookClipArgs builds the ffmpeg arguments for a leading stream-copy trim.
func HookClipArgs(input, output string, durationMs int64) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", input,
		"-t", FormatSeconds(durationMs),
		"-map", "0",
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		output,
	}
}

// PosterArgs builds the ffmpeg arguments for a single-frame grab at t=0.
func PosterArgs(input, output string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", "0",
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		output,
	}
}

// FormatSeconds renders milliseconds as seconds with millisecond precision.
func FormatSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}
