package segments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitcut/backend/internal/middleware"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/apperror"
	"github.com/splitcut/backend/pkg/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	segments map[uuid.UUID]*models.Segment
}

func (f *fakeStore) Create(_ context.Context, s *models.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Status = models.SegmentStatusUploading
	cp := *s
	f.segments[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.segments[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListByProject(_ context.Context, projectID uuid.UUID) ([]models.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Segment
	for _, s := range f.segments {
		if s.ProjectID == projectID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (f *fakeStore) MarkUploaded(_ context.Context, id uuid.UUID, size int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.segments[id]
	if !ok || s.Status != models.SegmentStatusUploading {
		return false, nil
	}
	s.Status = models.SegmentStatusUploaded
	s.OriginalSize = size
	return true, nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.segments, id)
	return nil
}

type fakeProjects map[uuid.UUID]*models.Project

func (f fakeProjects) GetByID(_ context.Context, id uuid.UUID) (*models.Project, error) {
	return f[id], nil
}

type fakeVariants map[uuid.UUID][]models.Variant

func (f fakeVariants) ListByProject(_ context.Context, id uuid.UUID) ([]models.Variant, error) {
	return f[id], nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string]int64
	deleted []string
	failDel bool
}

func (f *fakeBlobs) PresignUpload(_ context.Context, key, contentType string, _ time.Duration) (string, error) {
	return "https://upload.example/" + key + "?type=" + contentType, nil
}

func (f *fakeBlobs) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.objects[key]
	if !ok {
		return nil, apperror.NotFound("head", "object %s", key)
	}
	return &storage.ObjectInfo{Size: size}, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	if f.failDel {
		return errors.New("s3 unavailable")
	}
	return nil
}

type env struct {
	router   *gin.Engine
	store    *fakeStore
	blobs    *fakeBlobs
	variants fakeVariants
	project  *models.Project
	owner    uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	owner := uuid.New()
	p := &models.Project{ID: uuid.New(), OwnerID: owner, Status: models.ProjectStatusDraft}
	e := &env{
		store:    &fakeStore{segments: map[uuid.UUID]*models.Segment{}},
		blobs:    &fakeBlobs{objects: map[string]int64{}},
		variants: fakeVariants{},
		project:  p,
		owner:    owner,
	}
	h := NewHandler(e.store, fakeProjects{p.ID: p}, e.variants, e.blobs, time.Minute, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader("X-User")); err == nil {
			c.Set(middleware.ContextUserID, id)
		}
		c.Next()
	})
	r.POST("/projects/:id/segments", h.Create)
	r.GET("/projects/:id/segments", h.List)
	r.POST("/segments/:id/uploaded", h.ConfirmUpload)
	r.DELETE("/segments/:id", h.Delete)
	e.router = r
	return e
}

func (e *env) do(method, path, body string, user uuid.UUID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user.String())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) create(t *testing.T, body string) CreateResponse {
	t.Helper()
	w := e.do(http.MethodPost, "/projects/"+e.project.ID.String()+"/segments", body, e.owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out struct {
		Data CreateResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Data
}

func TestCreateSegment(t *testing.T) {
	e := newEnv(t)
	res := e.create(t, `{"type":"Hook","label":"Hook A","sort_order":1,"file_name":"clip.MOV"}`)

	s := res.Segment
	assert.Equal(t, models.SegmentTypeHook, s.Type)
	assert.Equal(t, models.SegmentStatusUploading, s.Status)
	assert.Equal(t, storage.SegmentOriginalKey(e.project.ID.String(), s.ID.String(), "mov"), s.OriginalKey)
	assert.Equal(t, "https://upload.example/"+s.OriginalKey+"?type=video/quicktime", res.UploadURL)
	assert.WithinDuration(t, time.Now().Add(time.Minute), res.ExpiresAt, 5*time.Second)

	bad := e.do(http.MethodPost, "/projects/"+e.project.ID.String()+"/segments", `{"type":"intro"}`, e.owner)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	other := e.do(http.MethodPost, "/projects/"+e.project.ID.String()+"/segments", `{"type":"body"}`, uuid.New())
	assert.Equal(t, http.StatusNotFound, other.Code)
}

func TestConfirmUpload(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, `{"type":"body","file_name":"b.mp4"}`).Segment
	path := "/segments/" + s.ID.String() + "/uploaded"

	w := e.do(http.MethodPost, path, "", e.owner)
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing uploaded yet")

	e.blobs.objects[s.OriginalKey] = 4096
	w = e.do(http.MethodPost, path, "", e.owner)
	require.Equal(t, http.StatusOK, w.Code)
	stored, _ := e.store.GetByID(context.Background(), s.ID)
	assert.Equal(t, models.SegmentStatusUploaded, stored.Status)
	assert.Equal(t, int64(4096), stored.OriginalSize)

	e.blobs.objects[s.OriginalKey] = 1
	w = e.do(http.MethodPost, path, "", e.owner)
	require.Equal(t, http.StatusOK, w.Code)
	stored, _ = e.store.GetByID(context.Background(), s.ID)
	assert.Equal(t, int64(4096), stored.OriginalSize, "second confirm is a no-op")

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, path, "", uuid.New()).Code)
}

func TestConfirmEmptyUpload(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, `{"type":"cta"}`).Segment
	e.blobs.objects[s.OriginalKey] = 0
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/segments/"+s.ID.String()+"/uploaded", "", e.owner).Code)
}

func TestDeleteSegmentRemovesArtifacts(t *testing.T) {
	e := newEnv(t)
	hook := e.create(t, `{"type":"hook"}`).Segment
	other := e.create(t, `{"type":"hook","sort_order":2}`).Segment
	e.store.segments[hook.ID].NormalizedKey = storage.SegmentNormalizedKey(e.project.ID.String(), hook.ID.String())

	pid := e.project.ID.String()
	using, unrelated := uuid.New(), uuid.New()
	e.variants[e.project.ID] = []models.Variant{
		{ID: using, HookSegmentID: hook.ID, Status: models.VariantStatusRendered,
			VideoKey: storage.VariantVideoKey(pid, using.String()), PosterKey: storage.VariantPosterKey(pid, using.String())},
		{ID: unrelated, HookSegmentID: other.ID, Status: models.VariantStatusRendered,
			VideoKey: storage.VariantVideoKey(pid, unrelated.String())},
	}
	e.blobs.failDel = true

	w := e.do(http.MethodDelete, "/segments/"+hook.ID.String(), "", e.owner)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.ElementsMatch(t, []string{
		hook.OriginalKey,
		storage.SegmentNormalizedKey(pid, hook.ID.String()),
		storage.VariantVideoKey(pid, using.String()),
		storage.VariantPosterKey(pid, using.String()),
	}, e.blobs.deleted)
	gone, _ := e.store.GetByID(context.Background(), hook.ID)
	assert.Nil(t, gone)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/segments/"+hook.ID.String(), "", e.owner).Code)
}

func TestDeleteBusySegment(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, `{"type":"body"}`).Segment
	e.store.segments[s.ID].Status = models.SegmentStatusNormalizing
	assert.Equal(t, http.StatusConflict, e.do(http.MethodDelete, "/segments/"+s.ID.String(), "", e.owner).Code)

	e.store.segments[s.ID].Status = models.SegmentStatusNormalized
	e.variants[e.project.ID] = []models.Variant{{ID: uuid.New(), BodySegmentID: s.ID, Status: models.VariantStatusRendering}}
	assert.Equal(t, http.StatusConflict, e.do(http.MethodDelete, "/segments/"+s.ID.String(), "", e.owner).Code)
	assert.Empty(t, e.blobs.deleted)
}

func TestListSegments(t *testing.T) {
	e := newEnv(t)
	e.create(t, `{"type":"hook","sort_order":2}`)
	e.create(t, `{"type":"body","sort_order":1}`)
	w := e.do(http.MethodGet, "/projects/"+e.project.ID.String()+"/segments", "", e.owner)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Data []models.Segment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Data, 2)
	assert.Equal(t, models.SegmentTypeBody, out.Data[0].Type)
}
