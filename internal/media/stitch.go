package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/splitcut/backend/pkg/apperror"
)

// Stitcher joins normalized segments with the concat demuxer and stream copy.
type Stitcher struct {
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// NewStitcher creates a Stitcher.
func NewStitcher(runner Runner, cfg Config, logger *zap.Logger) *Stitcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stitcher{runner: runner, cfg: cfg.withDefaults(), logger: logger}
}

// Concat writes inputs, in order, to output. Inputs must share one encoding spec; a
// mismatch surfaces as a tool failure.
func (s *Stitcher) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return apperror.Validation("concat", "no inputs")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CopyTimeout)
	defer cancel()

	listPath := output + ".concat.txt"
	if err := os.WriteFile(listPath, []byte(ConcatList(inputs)), 0o644); err != nil {
		return apperror.Concat("write concat list", err, "")
	}
	defer os.Remove(listPath)

	if _, err := s.runner.Run(ctx, s.cfg.FFmpegPath, ConcatArgs(listPath, output)...); err != nil {
		return apperror.Concat("concat", err, toolOutput(err))
	}
	return nil
}

// ConcatArgs builds the ffmpeg arguments for concatenating the files named in listPath.
// Timestamps are regenerated and shifted to start at zero so players do not stall at joins.
func ConcatArgs(listPath, output string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-fflags", "+genpts",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		output,
	}
}

// ConcatList renders a concat demuxer script for inputs.
func ConcatList(inputs []string) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return b.String()
}
