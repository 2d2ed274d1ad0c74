package media

import "time"

// Config holds tool paths and encoder settings.
type Config struct {
	FFmpegPath    string
	FFprobePath   string
	ProbeTimeout  time.Duration
	EncodeTimeout time.Duration
	CopyTimeout   time.Duration

	Preset       string // x264 preset, e.g. "veryfast"
	CRF          int
	MaxRate      string // e.g. "4M"
	BufSize      string // e.g. "8M"
	AudioBitrate string // e.g. "96k"
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
		ProbeTimeout:  time.Minute,
		EncodeTimeout: 30 * time.Minute,
		CopyTimeout:   5 * time.Minute,
		Preset:        "veryfast",
		CRF:           23,
		MaxRate:       "4M",
		BufSize:       "8M",
		AudioBitrate:  "96k",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = d.FFprobePath
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.EncodeTimeout <= 0 {
		c.EncodeTimeout = d.EncodeTimeout
	}
	if c.CopyTimeout <= 0 {
		c.CopyTimeout = d.CopyTimeout
	}
	if c.Preset == "" {
		c.Preset = d.Preset
	}
	if c.CRF <= 0 {
		c.CRF = d.CRF
	}
	if c.MaxRate == "" {
		c.MaxRate = d.MaxRate
	}
	if c.BufSize == "" {
		c.BufSize = d.BufSize
	}
	if c.AudioBitrate == "" {
		c.AudioBitrate = d.AudioBitrate
	}
	return c
}
