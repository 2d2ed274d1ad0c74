package storage

import (
	"path"
	"strings"
)

const (
	folderProjects = "projects"
	folderSegments = "segments"
	folderVariants = "variants"
)

// Artifact file names. These are part of the public key scheme and must not change.
const (
	NormalizedFile = "normalized.mp4"
	VideoFile      = "video.mp4"
	HookClipFile   = "hook-clip.mp4"
	PosterFile     = "poster.jpg"
)

// Content types of stored artifacts.
const (
	ContentTypeMP4  = "video/mp4"
	ContentTypeJPEG = "image/jpeg"
)

// SegmentOriginalKey returns projects/{projectID}/segments/{segmentID}/original.{ext}.
// ext may carry a leading dot; it defaults to mp4.
func SegmentOriginalKey(projectID, segmentID, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" || strings.ContainsAny(ext, "/\\") {
		ext = "mp4"
	}
	return path.Join(folderProjects, projectID, folderSegments, segmentID, "original."+ext)
}

// SegmentNormalizedKey returns projects/{projectID}/segments/{segmentID}/normalized.mp4.
func SegmentNormalizedKey(projectID, segmentID string) string {
	return path.Join(folderProjects, projectID, folderSegments, segmentID, NormalizedFile)
}

// VariantVideoKey returns projects/{projectID}/variants/{variantID}/video.mp4.
func VariantVideoKey(projectID, variantID string) string {
	return path.Join(folderProjects, projectID, folderVariants, variantID, VideoFile)
}

// VariantHookClipKey returns projects/{projectID}/variants/{variantID}/hook-clip.mp4.
func VariantHookClipKey(projectID, variantID string) string {
	return path.Join(folderProjects, projectID, folderVariants, variantID, HookClipFile)
}

// VariantPosterKey returns projects/{projectID}/variants/{variantID}/poster.jpg.
func VariantPosterKey(projectID, variantID string) string {
	return path.Join(folderProjects, projectID, folderVariants, variantID, PosterFile)
}

// IsVariantArtifact reports whether key is a servable variant artifact.
func IsVariantArtifact(key string) bool {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != folderProjects || parts[2] != folderVariants {
		return false
	}
	if parts[1] == "" || parts[3] == "" || parts[1] == ".." || parts[3] == ".." {
		return false
	}
	switch parts[4] {
	case VideoFile, HookClipFile, PosterFile:
		return true
	}
	return false
}

// ContentTypeForKey returns the MIME type of a stored artifact.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg":
		return ContentTypeJPEG
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mp4", ".m4v":
		return ContentTypeMP4
	}
	return "application/octet-stream"
}
