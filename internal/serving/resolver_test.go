package serving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitcut/backend/internal/assignment"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/apperror"
	"github.com/splitcut/backend/pkg/storage"
)

type fakeCatalog struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	rendered map[uuid.UUID][]models.Variant
	err      error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{projects: map[string]*models.Project{}, rendered: map[uuid.UUID][]models.Variant{}}
}

func (f *fakeCatalog) GetBySlug(_ context.Context, slug string) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.projects[slug], nil
}

func (f *fakeCatalog) ListRendered(_ context.Context, projectID uuid.UUID) ([]models.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Variant(nil), f.rendered[projectID]...), nil
}

func (f *fakeCatalog) addProject(slug, status string, variants int) *models.Project {
	p := &models.Project{ID: uuid.New(), Slug: slug, Status: status}
	f.projects[slug] = p
	for i := 0; i < variants; i++ {
		vid := uuid.New()
		pid, v := p.ID.String(), vid.String()
		f.rendered[p.ID] = append(f.rendered[p.ID], models.Variant{
			ID:              vid,
			ProjectID:       p.ID,
			Status:          models.VariantStatusRendered,
			VariantCode:     fmt.Sprintf("h%d-b1-c1", i+1),
			VideoKey:        storage.VariantVideoKey(pid, v),
			HookClipKey:     storage.VariantHookClipKey(pid, v),
			PosterKey:       storage.VariantPosterKey(pid, v),
			HookEndTimeMs:   int64(1000 * (i + 1)),
			VideoDurationMs: 9000,
		})
	}
	return p
}

type fakeTracker struct {
	mu    sync.Mutex
	views []models.View
}

func (f *fakeTracker) Track(_ context.Context, v models.View) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views = append(f.views, v)
}

type fakeSigner struct{ fail bool }

func (f fakeSigner) PresignGet(_ context.Context, key string, expires time.Duration) (string, error) {
	if f.fail {
		return "", errors.New("signer down")
	}
	return fmt.Sprintf("https://signed.example/%s?ttl=%d", key, int(expires.Seconds())), nil
}

func TestResolveIsDeterministic(t *testing.T) {
	cat := newFakeCatalog()
	p := cat.addProject("launch", models.ProjectStatusReady, 4)
	tr := &fakeTracker{}
	r := NewResolver(cat, cat, tr, nil, ResolverConfig{MediaBaseURL: "https://api.example.com/media"}, nil)

	for i := 0; i < 20; i++ {
		viewer := fmt.Sprintf("viewer-%d", i)
		first, err := r.Resolve(context.Background(), "launch", viewer)
		require.NoError(t, err)
		again, err := r.Resolve(context.Background(), "launch", viewer)
		require.NoError(t, err)

		assert.Equal(t, first.VariantID, again.VariantID)
		assert.Equal(t, assignment.Index(viewer, p.ID.String(), 4), first.Index)
		assert.Equal(t, 4, first.Count)
		assert.Equal(t, cat.rendered[p.ID][first.Index].ID, first.VariantID)
	}
	assert.Len(t, tr.views, 40)
	assert.Equal(t, "viewer-0", tr.views[0].ViewerID)
	assert.Equal(t, p.ID, tr.views[0].ProjectID)
}

func TestResolveArtifactURLs(t *testing.T) {
	cat := newFakeCatalog()
	cat.addProject("launch", models.ProjectStatusReady, 1)
	r := NewResolver(cat, cat, nil, fakeSigner{}, ResolverConfig{MediaBaseURL: "https://api.example.com/media", SignTTL: time.Minute}, nil)

	res, err := r.Resolve(context.Background(), "launch", "v1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/media/"+res.Video.Key, res.Video.URL)
	assert.Equal(t, "https://signed.example/"+res.Poster.Key+"?ttl=60", res.Poster.SignedURL)
	assert.Equal(t, int64(1000), res.HookEndTimeMs)
	assert.Equal(t, int64(9000), res.VideoDurationMs)
	assert.Equal(t, "h1-b1-c1", res.VariantCode)
}

func TestResolveSignerFailureKeepsProxyURL(t *testing.T) {
	cat := newFakeCatalog()
	cat.addProject("launch", models.ProjectStatusReady, 1)
	r := NewResolver(cat, cat, nil, fakeSigner{fail: true}, ResolverConfig{}, nil)

	res, err := r.Resolve(context.Background(), "launch", "v1")
	require.NoError(t, err)
	assert.Empty(t, res.Video.SignedURL)
	assert.Equal(t, "/media/"+res.Video.Key, res.Video.URL)
}

func TestResolveErrors(t *testing.T) {
	cat := newFakeCatalog()
	cat.addProject("draft", models.ProjectStatusProcessing, 2)
	cat.addProject("empty", models.ProjectStatusReady, 0)
	r := NewResolver(cat, cat, nil, nil, ResolverConfig{}, nil)

	tests := []struct {
		name   string
		slug   string
		viewer string
		kind   apperror.Kind
	}{
		{"missing viewer", "draft", "", apperror.KindValidation},
		{"unknown slug", "nope", "v1", apperror.KindNotFound},
		{"not ready", "draft", "v1", apperror.KindNotFound},
		{"nothing rendered", "empty", "v1", apperror.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.slug, tt.viewer)
			require.Error(t, err)
			assert.True(t, apperror.Is(err, tt.kind), err.Error())
		})
	}

	cat.err = errors.New("db down")
	_, err := r.Resolve(context.Background(), "draft", "v1")
	require.Error(t, err)
	assert.Equal(t, apperror.Kind(""), apperror.KindOf(err))
}
