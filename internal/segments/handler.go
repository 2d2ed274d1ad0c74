package segments

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/middleware"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/response"
	"github.com/splitcut/backend/pkg/storage"
)

// cleanupTimeout bounds best-effort blob deletes after a segment is removed.
const cleanupTimeout = 30 * time.Second

// Store is the segment persistence used by the handler.
type Store interface {
	Create(ctx context.Context, s *models.Segment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Segment, error)
	MarkUploaded(ctx context.Context, id uuid.UUID, size int64) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ProjectGetter loads the parent project for ownership checks.
type ProjectGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// VariantLister lists a project's variants so artifacts of cascaded variants can be removed.
type VariantLister interface {
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Variant, error)
}

// Blobs is the object storage used for uploads and cleanup.
type Blobs interface {
	PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// CreateRequest is the body for POST /projects/:id/segments.
type CreateRequest struct {
	Type        string `json:"type" binding:"required"`
	Label       string `json:"label"`
	SortOrder   int    `json:"sort_order"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

// CreateResponse carries the new segment and where to upload its original.
type CreateResponse struct {
	Segment   *models.Segment `json:"segment"`
	UploadURL string          `json:"upload_url"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Handler handles segment HTTP endpoints.
type Handler struct {
	store         Store
	projects      ProjectGetter
	variants      VariantLister
	blobs         Blobs
	presignExpire time.Duration
	logger        *zap.Logger
}

// NewHandler creates a segment handler.
func NewHandler(store Store, projects ProjectGetter, variants VariantLister, blobs Blobs, presignExpire time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if presignExpire <= 0 {
		presignExpire = 15 * time.Minute
	}
	return &Handler{store: store, projects: projects, variants: variants, blobs: blobs, presignExpire: presignExpire, logger: logger}
}

// Create handles POST /projects/:id/segments: it inserts an uploading segment and returns a
// pre-signed PUT URL for its original.
func (h *Handler) Create(c *gin.Context) {
	p, ok := h.ownedProject(c, c.Param("id"))
	if !ok {
		return
	}
	if p.Status == models.ProjectStatusArchived {
		response.Conflict(c, "project is archived")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	typ := strings.ToLower(strings.TrimSpace(req.Type))
	if !models.ValidSegmentType(typ) {
		response.BadRequest(c, "type must be hook, body or cta")
		return
	}

	id := uuid.New()
	key := storage.SegmentOriginalKey(p.ID.String(), id.String(), path.Ext(req.FileName))
	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeForKey(key)
	}
	ctx := c.Request.Context()
	url, err := h.blobs.PresignUpload(ctx, key, contentType, h.presignExpire)
	if err != nil {
		response.Error(c, err)
		return
	}
	s := &models.Segment{
		ID:          id,
		ProjectID:   p.ID,
		Type:        typ,
		Label:       strings.TrimSpace(req.Label),
		SortOrder:   req.SortOrder,
		OriginalKey: key,
	}
	if err := h.store.Create(ctx, s); err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("segment created",
		zap.String("project_id", p.ID.String()),
		zap.String("segment_id", id.String()),
		zap.String("type", typ))
	response.Created(c, CreateResponse{Segment: s, UploadURL: url, ExpiresAt: time.Now().Add(h.presignExpire).UTC()})
}

// List handles GET /projects/:id/segments.
func (h *Handler) List(c *gin.Context) {
	p, ok := h.ownedProject(c, c.Param("id"))
	if !ok {
		return
	}
	list, err := h.store.ListByProject(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.Segment{}
	}
	response.OK(c, list)
}

// ConfirmUpload handles POST /segments/:id/uploaded. The original must exist in storage; its size
// is recorded and the segment becomes eligible for processing. Confirming twice is harmless.
func (h *Handler) ConfirmUpload(c *gin.Context) {
	s, ok := h.ownedSegment(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if s.Status != models.SegmentStatusUploading {
		response.OK(c, s)
		return
	}
	info, err := h.blobs.Head(ctx, s.OriginalKey)
	if err != nil {
		response.Error(c, err)
		return
	}
	if info.Size == 0 {
		response.BadRequest(c, "uploaded file is empty")
		return
	}
	if _, err := h.store.MarkUploaded(ctx, s.ID, info.Size); err != nil {
		response.Error(c, err)
		return
	}
	updated, err := h.store.GetByID(ctx, s.ID)
	if err != nil || updated == nil {
		s.Status = models.SegmentStatusUploaded
		s.OriginalSize = info.Size
		updated = s
	}
	response.OK(c, updated)
}

// Delete handles DELETE /segments/:id. Variants built from the segment go with it; their stored
// artifacts and the segment's files are removed best effort.
func (h *Handler) Delete(c *gin.Context) {
	s, ok := h.ownedSegment(c)
	if !ok {
		return
	}
	if s.Status == models.SegmentStatusNormalizing {
		response.Conflict(c, "segment is being processed")
		return
	}
	ctx := c.Request.Context()
	vs, err := h.variants.ListByProject(ctx, s.ProjectID)
	if err != nil {
		response.Error(c, err)
		return
	}
	for _, v := range vs {
		if v.Status == models.VariantStatusRendering && usesSegment(v, s.ID) {
			response.Conflict(c, "a variant using this segment is being rendered")
			return
		}
	}
	if err := h.store.Delete(ctx, s.ID); err != nil {
		response.Error(c, err)
		return
	}

	keys := []string{s.OriginalKey}
	if s.NormalizedKey != "" {
		keys = append(keys, s.NormalizedKey)
	}
	for _, v := range vs {
		if usesSegment(v, s.ID) {
			keys = append(keys, artifactKeys(v)...)
		}
	}
	h.deleteBlobs(context.WithoutCancel(ctx), s.ID, keys)
	response.NoContent(c)
}

func (h *Handler) deleteBlobs(ctx context.Context, segmentID uuid.UUID, keys []string) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	for _, k := range keys {
		if err := h.blobs.Delete(ctx, k); err != nil {
			h.logger.Warn("delete blob failed",
				zap.String("segment_id", segmentID.String()),
				zap.String("key", k),
				zap.Error(err))
		}
	}
}

func (h *Handler) ownedProject(c *gin.Context, rawID string) (*models.Project, bool) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		response.BadRequest(c, "invalid project id")
		return nil, false
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return nil, false
	}
	p, err := h.projects.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if p == nil || p.OwnerID != userID {
		response.NotFound(c, "project not found")
		return nil, false
	}
	return p, true
}

func (h *Handler) ownedSegment(c *gin.Context) (*models.Segment, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid segment id")
		return nil, false
	}
	s, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if s == nil {
		response.NotFound(c, "segment not found")
		return nil, false
	}
	if _, ok := h.ownedProject(c, s.ProjectID.String()); !ok {
		return nil, false
	}
	return s, true
}

func usesSegment(v models.Variant, segmentID uuid.UUID) bool {
	return v.HookSegmentID == segmentID || v.BodySegmentID == segmentID || v.CTASegmentID == segmentID
}

func artifactKeys(v models.Variant) []string {
	var keys []string
	for _, k := range []string{v.VideoKey, v.HookClipKey, v.PosterKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
