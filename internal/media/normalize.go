package media

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/apperror"
)

// Normalizer converts segments to a project's target spec.
type Normalizer struct {
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(runner Runner, cfg Config, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{runner: runner, cfg: cfg.withDefaults(), logger: logger}
}

// Normalize re-encodes input to spec, writing output. meta is the probe of input.
func (n *Normalizer) Normalize(ctx context.Context, input, output string, meta *Metadata, spec models.TargetSpec) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.EncodeTimeout)
	defer cancel()

	args := NormalizeArgs(input, output, meta.HasAudio, spec, n.cfg)
	if _, err := n.runner.Run(ctx, n.cfg.FFmpegPath, args...); err != nil {
		return apperror.Encode("normalize", err, toolOutput(err))
	}
	return nil
}

// Remux copies input streams into an mp4 container without re-encoding. Used when the
// source already matches the target spec.
func (n *Normalizer) Remux(ctx context.Context, input, output string) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.CopyTimeout)
	defer cancel()

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", input,
		"-map", "0:v:0", "-map", "0:a:0",
		"-c", "copy",
		"-movflags", "+faststart",
		output,
	}
	if _, err := n.runner.Run(ctx, n.cfg.FFmpegPath, args...); err != nil {
		return apperror.Encode("remux", err, toolOutput(err))
	}
	return nil
}

// NormalizeArgs builds the ffmpeg arguments for a full re-encode. The picture is scaled to fit
// and padded to the exact target size, frame rate is forced constant and keyframes are
// placed every two seconds. Sources without audio get a silent track from anullsrc.
func NormalizeArgs(input, output string, hasAudio bool, spec models.TargetSpec, cfg Config) []string {
	cfg = cfg.withDefaults()
	fps := formatFPS(spec.FPS)
	gop := strconv.Itoa(int(spec.FPS*2 + 0.5))
	pixFmt := spec.PixelFormat
	if pixFmt == "" {
		pixFmt = "yuv420p"
	}
	channels := spec.AudioChannels
	if channels <= 0 {
		channels = 2
	}

	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%s,format=%s",
		spec.Width, spec.Height, spec.Width, spec.Height, fps, pixFmt,
	)

	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", input}
	if !hasAudio {
		args = append(args,
			"-f", "lavfi",
			"-i", fmt.Sprintf("anullsrc=channel_layout=%s:sample_rate=%d", channelLayout(channels), spec.AudioSampleRate),
		)
	}
	args = append(args, "-vf", vf, "-map", "0:v:0")
	if hasAudio {
		args = append(args, "-map", "0:a:0")
	} else {
		args = append(args, "-map", "1:a:0", "-shortest")
	}
	args = append(args,
		"-c:v", spec.VideoCodec,
		"-preset", cfg.Preset,
		"-crf", strconv.Itoa(cfg.CRF),
		"-maxrate", cfg.MaxRate,
		"-bufsize", cfg.BufSize,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-r", fps,
		"-pix_fmt", pixFmt,
		"-c:a", spec.AudioCodec,
		"-b:a", cfg.AudioBitrate,
		"-ar", strconv.Itoa(spec.AudioSampleRate),
		"-ac", strconv.Itoa(channels),
		"-movflags", "+faststart",
		output,
	)
	return args
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

func channelLayout(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	default:
		return strconv.Itoa(channels) + "c"
	}
}
