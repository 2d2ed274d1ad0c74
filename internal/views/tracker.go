package views

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/models"
)

// Recorder persists a view.
type Recorder interface {
	Record(ctx context.Context, v *models.View) error
}

// Tracker records impressions without ever failing the caller.
type Tracker struct {
	store   Recorder
	timeout time.Duration
	logger  *zap.Logger
}

// NewTracker creates a tracker writing through store.
func NewTracker(store Recorder, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, timeout: 2 * time.Second, logger: logger}
}

// Track records a view; errors and panics are logged and dropped.
func (t *Tracker) Track(ctx context.Context, v models.View) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("view tracking panicked", zap.Any("panic", r))
		}
	}()
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.store.Record(ctx, &v); err != nil {
		t.logger.Warn("view tracking failed",
			zap.String("project_id", v.ProjectID.String()),
			zap.String("variant_id", v.VariantID.String()),
			zap.Error(err))
	}
}
