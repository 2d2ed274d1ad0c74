package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyScheme(t *testing.T) {
	assert.Equal(t, "projects/p1/segments/s1/original.mov", SegmentOriginalKey("p1", "s1", ".MOV"))
	assert.Equal(t, "projects/p1/segments/s1/original.mp4", SegmentOriginalKey("p1", "s1", ""))
	assert.Equal(t, "projects/p1/segments/s1/original.mp4", SegmentOriginalKey("p1", "s1", "../x"))
	assert.Equal(t, "projects/p1/segments/s1/normalized.mp4", SegmentNormalizedKey("p1", "s1"))
	assert.Equal(t, "projects/p1/variants/v1/video.mp4", VariantVideoKey("p1", "v1"))
	assert.Equal(t, "projects/p1/variants/v1/hook-clip.mp4", VariantHookClipKey("p1", "v1"))
	assert.Equal(t, "projects/p1/variants/v1/poster.jpg", VariantPosterKey("p1", "v1"))
}

func TestIsVariantArtifact(t *testing.T) {
	assert.True(t, IsVariantArtifact(VariantVideoKey("p", "v")))
	assert.True(t, IsVariantArtifact(VariantHookClipKey("p", "v")))
	assert.True(t, IsVariantArtifact(VariantPosterKey("p", "v")))
	assert.False(t, IsVariantArtifact(SegmentOriginalKey("p", "s", "mp4")))
	assert.False(t, IsVariantArtifact("projects/../variants/v/video.mp4"))
	assert.False(t, IsVariantArtifact("projects/p/variants/v/other.mp4"))
	assert.False(t, IsVariantArtifact("/projects/p/variants/v/video.mp4"))
}

func TestContentTypeForKey(t *testing.T) {
	assert.Equal(t, ContentTypeMP4, ContentTypeForKey("a/video.mp4"))
	assert.Equal(t, ContentTypeJPEG, ContentTypeForKey("a/poster.jpg"))
	assert.Equal(t, "application/octet-stream", ContentTypeForKey("a/b"))
}
