package projects

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/middleware"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/internal/pipeline"
	"github.com/splitcut/backend/pkg/response"
)

// Store is the project persistence used by the handler.
type Store interface {
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Project, error)
}

// Pipeline triggers and reports processing.
type Pipeline interface {
	StartProcessing(ctx context.Context, projectID uuid.UUID) (*pipeline.StartResult, error)
	Reset(ctx context.Context, projectID uuid.UUID) (*pipeline.StartResult, error)
	Status(ctx context.Context, projectID uuid.UUID) (*pipeline.StatusReport, error)
}

// VariantLister lists a project's variants.
type VariantLister interface {
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Variant, error)
}

// ViewCounter counts impressions per variant.
type ViewCounter interface {
	CountByVariant(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int64, error)
}

// CreateRequest is the body for POST /projects. Zero target fields take the configured default.
type CreateRequest struct {
	Name   string             `json:"name" binding:"required"`
	Target *models.TargetSpec `json:"target"`
}

// VariantView is a variant with its impression count.
type VariantView struct {
	models.Variant
	Views int64 `json:"views"`
}

// Handler handles project HTTP endpoints.
type Handler struct {
	store         Store
	pipeline      Pipeline
	variants      VariantLister
	views         ViewCounter
	defaultTarget models.TargetSpec
	logger        *zap.Logger
}

// NewHandler creates a project handler. views may be nil.
func NewHandler(store Store, p Pipeline, variants VariantLister, views ViewCounter, defaultTarget models.TargetSpec, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, pipeline: p, variants: variants, views: views, defaultTarget: defaultTarget, logger: logger}
}

// Create handles POST /projects.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		response.BadRequest(c, "name is required")
		return
	}
	ownerID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	target := h.defaultTarget
	if req.Target != nil {
		target = mergeTarget(target, *req.Target)
	}
	if target.Width <= 0 || target.Height <= 0 || target.FPS <= 0 {
		response.BadRequest(c, "target width, height and fps must be positive")
		return
	}

	p := &models.Project{OwnerID: ownerID, Name: name, Target: target}
	if err := h.store.Create(c.Request.Context(), p); err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("project created", zap.String("project_id", p.ID.String()), zap.String("slug", p.Slug))
	response.Created(c, p)
}

// Get handles GET /projects/:id.
func (h *Handler) Get(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	response.OK(c, p)
}

// List handles GET /projects.
func (h *Handler) List(c *gin.Context) {
	ownerID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	list, err := h.store.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.Project{}
	}
	response.OK(c, list)
}

// Process handles POST /projects/:id/process.
func (h *Handler) Process(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	res, err := h.pipeline.StartProcessing(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, res)
}

// Reset handles POST /projects/:id/reset.
func (h *Handler) Reset(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	res, err := h.pipeline.Reset(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, res)
}

// Status handles GET /projects/:id/status.
func (h *Handler) Status(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	report, err := h.pipeline.Status(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// Variants handles GET /projects/:id/variants.
func (h *Handler) Variants(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	vs, err := h.variants.ListByProject(ctx, p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	var counts map[uuid.UUID]int64
	if h.views != nil {
		counts, err = h.views.CountByVariant(ctx, p.ID)
		if err != nil {
			h.logger.Warn("view counts unavailable", zap.String("project_id", p.ID.String()), zap.Error(err))
		}
	}
	out := make([]VariantView, 0, len(vs))
	for _, v := range vs {
		out = append(out, VariantView{Variant: v, Views: counts[v.ID]})
	}
	response.OK(c, out)
}

// owned loads the :id project and writes a response unless the caller owns it.
func (h *Handler) owned(c *gin.Context) (*models.Project, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid project id")
		return nil, false
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return nil, false
	}
	p, err := h.store.GetByID(c.Request.Context(), id)
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

func mergeTarget(base, in models.TargetSpec) models.TargetSpec {
	if in.Width > 0 {
		base.Width = in.Width
	}
	if in.Height > 0 {
		base.Height = in.Height
	}
	if in.FPS > 0 {
		base.FPS = in.FPS
	}
	if in.VideoCodec != "" {
		base.VideoCodec = in.VideoCodec
	}
	if in.AudioCodec != "" {
		base.AudioCodec = in.AudioCodec
	}
	if in.AudioSampleRate > 0 {
		base.AudioSampleRate = in.AudioSampleRate
	}
	if in.AudioChannels > 0 {
		base.AudioChannels = in.AudioChannels
	}
	if in.PixelFormat != "" {
		base.PixelFormat = in.PixelFormat
	}
	return base
}
