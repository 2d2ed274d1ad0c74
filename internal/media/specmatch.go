package media

import (
	"fmt"
	"math"
	"strings"

	"github.com/splitcut/backend/internal/models"
)

// fpsTolerance is the frame-rate difference still treated as a match.
const fpsTolerance = 0.5

// encoderToDecoder maps encoder names used in target specs to the codec names ffprobe reports.
var encoderToDecoder = map[string]string{
	"libx264":    "h264",
	"h264_nvenc": "h264",
	"h264_qsv":   "h264",
	"libx265":    "hevc",
	"hevc_nvenc": "hevc",
	"libvpx":     "vp8",
	"libvpx-vp9": "vp9",
	"libaom-av1": "av1",
	"libsvtav1":  "av1",
	"libfdk_aac": "aac",
	"libopus":    "opus",
	"libmp3lame": "mp3",
	"libvorbis":  "vorbis",
}

// CodecName returns the decoder-side name for an encoder or codec name.
func CodecName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if d, ok := encoderToDecoder[n]; ok {
		return d
	}
	return n
}

// Decision is the outcome of comparing probed metadata to a target spec.
type Decision struct {
	Needed  bool     `json:"needed"`
	Reasons []string `json:"reasons"`
}

// NeedsNormalization reports whether meta must be re-encoded to satisfy spec. Each
// mismatching field adds exactly one reason. A missing audio track always requires
// re-encoding so a silent track can be synthesized.
func NeedsNormalization(meta Metadata, spec models.TargetSpec) Decision {
	var reasons []string
	if meta.Width != spec.Width || meta.Height != spec.Height {
		reasons = append(reasons, fmt.Sprintf("resolution %dx%d != %dx%d", meta.Width, meta.Height, spec.Width, spec.Height))
	}
	if math.Abs(meta.FPS-spec.FPS) > fpsTolerance {
		reasons = append(reasons, fmt.Sprintf("fps %.2f != %.2f", meta.FPS, spec.FPS))
	}
	if CodecName(meta.VideoCodec) != CodecName(spec.VideoCodec) {
		reasons = append(reasons, fmt.Sprintf("video codec %s != %s", meta.VideoCodec, CodecName(spec.VideoCodec)))
	}
	if !meta.HasAudio {
		reasons = append(reasons, "missing audio track")
	} else {
		if CodecName(meta.AudioCodec) != CodecName(spec.AudioCodec) {
			reasons = append(reasons, fmt.Sprintf("audio codec %s != %s", meta.AudioCodec, CodecName(spec.AudioCodec)))
		}
		if meta.AudioSampleRate != spec.AudioSampleRate {
			reasons = append(reasons, fmt.Sprintf("audio sample rate %d != %d", meta.AudioSampleRate, spec.AudioSampleRate))
		}
		if spec.AudioChannels > 0 && meta.AudioChannels != spec.AudioChannels {
			reasons = append(reasons, fmt.Sprintf("audio channels %d != %d", meta.AudioChannels, spec.AudioChannels))
		}
	}
	return Decision{Needed: len(reasons) > 0, Reasons: reasons}
}
