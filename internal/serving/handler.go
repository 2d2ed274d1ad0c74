package serving

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/splitcut/backend/pkg/response"
	"github.com/splitcut/backend/pkg/storage"
)

// BlobReader reads stored artifacts, optionally by byte range.
type BlobReader interface {
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	Get(ctx context.Context, key string, rng *storage.Range) (*storage.Object, error)
}

// Handler serves public variant resolution and the media proxy.
type Handler struct {
	resolver *Resolver
	blobs    BlobReader
	logger   *zap.Logger
}

// NewHandler creates the public serving handler.
func NewHandler(resolver *Resolver, blobs BlobReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{resolver: resolver, blobs: blobs, logger: logger}
}

// ResolveVariant handles GET /p/:slug/variant?viewer_id=.
func (h *Handler) ResolveVariant(c *gin.Context) {
	res, err := h.resolver.Resolve(c.Request.Context(), c.Param("slug"), c.Query("viewer_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	response.OK(c, res)
}

// Media handles GET /media/*key, honoring single byte ranges.
func (h *Handler) Media(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if !storage.IsVariantArtifact(key) {
		response.NotFound(c, "not found")
		return
	}
	ctx := c.Request.Context()
	info, err := h.blobs.Head(ctx, key)
	if err != nil {
		response.Error(c, err)
		return
	}

	rng, err := storage.ParseRange(c.GetHeader("Range"), info.Size)
	if err != nil {
		if errors.Is(err, storage.ErrUnsatisfiable) {
			c.Header("Content-Range", "bytes */"+strconv.FormatInt(info.Size, 10))
			c.Status(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		response.BadRequest(c, err.Error())
		return
	}

	obj, err := h.blobs.Get(ctx, key, rng)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer obj.Body.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeForKey(key)
	}
	c.Header("Content-Type", contentType)
	c.Header("Accept-Ranges", "bytes")
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	status := http.StatusOK
	length := info.Size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.ContentLength()
		c.Header("Content-Range", rng.ContentRange(info.Size))
	}
	c.Header("Content-Length", strconv.FormatInt(length, 10))
	c.Status(status)
	if c.Request.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(c.Writer, obj.Body); err != nil {
		h.logger.Debug("media stream interrupted", zap.String("key", key), zap.Error(err))
	}
}
