package media

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/splitcut/backend/pkg/apperror"
)

// Metadata describes a probed media file. Audio fields are zero when HasAudio is false.
type Metadata struct {
	DurationMs      int64   `json:"duration_ms"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	VideoCodec      string  `json:"video_codec"`
	AudioCodec      string  `json:"audio_codec,omitempty"`
	AudioSampleRate int     `json:"audio_sample_rate,omitempty"`
	AudioChannels   int     `json:"audio_channels,omitempty"`
	HasAudio        bool    `json:"has_audio"`
	SizeBytes       int64   `json:"size_bytes"`
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		SampleRate   string `json:"sample_rate"`
		Channels     int    `json:"channels"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

// Prober reads stream metadata with ffprobe.
type Prober struct {
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// NewProber creates a Prober.
func NewProber(runner Runner, cfg Config, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{runner: runner, cfg: cfg.withDefaults(), logger: logger}
}

// Probe inspects the file at path.
func (p *Prober) Probe(ctx context.Context, path string) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	res, err := p.runner.Run(ctx, p.cfg.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	if err != nil {
		return nil, &apperror.Error{Kind: apperror.KindProbe, Op: "probe", Msg: "ffprobe failed", Err: err, Output: toolOutput(err)}
	}
	meta, err := ParseProbe(res.Stdout)
	if err != nil {
		return nil, err
	}
	if meta.SizeBytes == 0 {
		if fi, statErr := os.Stat(path); statErr == nil {
			meta.SizeBytes = fi.Size()
		}
	}
	p.logger.Debug("probed media",
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
		zap.Float64("fps", meta.FPS),
		zap.String("video_codec", meta.VideoCodec),
		zap.Bool("has_audio", meta.HasAudio),
	)
	return meta, nil
}

// ParseProbe converts ffprobe JSON output into Metadata. The first video and first audio
// stream are used.
func ParseProbe(data []byte) (*Metadata, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperror.Probe("parse probe", "invalid ffprobe output", err)
	}

	meta := &Metadata{}
	var videoFound bool
	var streamDuration string
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if videoFound {
				continue
			}
			videoFound = true
			meta.VideoCodec = s.CodecName
			meta.Width = s.Width
			meta.Height = s.Height
			rate := s.RFrameRate
			if rate == "" || rate == "0/0" {
				rate = s.AvgFrameRate
			}
			meta.FPS = ParseFrameRate(rate)
			streamDuration = s.Duration
		case "audio":
			if meta.HasAudio {
				continue
			}
			meta.HasAudio = true
			meta.AudioCodec = s.CodecName
			meta.AudioSampleRate, _ = strconv.Atoi(s.SampleRate)
			meta.AudioChannels = s.Channels
		}
	}
	if !videoFound {
		return nil, apperror.Probe("parse probe", "no video stream found", nil)
	}

	dur := out.Format.Duration
	if dur == "" || dur == "N/A" {
		dur = streamDuration
	}
	if secs, err := strconv.ParseFloat(dur, 64); err == nil {
		meta.DurationMs = int64(math.Round(secs * 1000))
	}
	meta.SizeBytes, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	return meta, nil
}

// ParseFrameRate converts a rational such as "30000/1001" to frames per second rounded to
// two decimals. Invalid input yields 0.
func ParseFrameRate(rational string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(rational), "/")
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0
	}
	d := int64(1)
	if ok {
		d, err = strconv.ParseInt(den, 10, 64)
		if err != nil || d == 0 {
			return 0
		}
	}
	return math.Round(float64(n)/float64(d)*100) / 100
}
