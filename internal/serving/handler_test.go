package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/apperror"
	"github.com/splitcut/backend/pkg/storage"
)

type memBlobs map[string][]byte

func (m memBlobs) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	b, ok := m[key]
	if !ok {
		return nil, apperror.NotFound("head", "object %s", key)
	}
	return &storage.ObjectInfo{Size: int64(len(b)), ContentType: storage.ContentTypeForKey(key)}, nil
}

func (m memBlobs) Get(_ context.Context, key string, rng *storage.Range) (*storage.Object, error) {
	b, ok := m[key]
	if !ok {
		return nil, apperror.NotFound("get", "object %s", key)
	}
	if rng != nil {
		b = b[rng.Start : rng.End+1]
	}
	return &storage.Object{Body: io.NopCloser(bytes.NewReader(b)), ContentType: storage.ContentTypeForKey(key), ContentLength: int64(len(b))}, nil
}

func newTestRouter(t *testing.T, blobs memBlobs) (*gin.Engine, *fakeCatalog) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cat := newFakeCatalog()
	h := NewHandler(NewResolver(cat, cat, nil, nil, ResolverConfig{}, nil), blobs, nil)
	r := gin.New()
	r.GET("/p/:slug/variant", h.ResolveVariant)
	r.GET("/media/*key", h.Media)
	r.HEAD("/media/*key", h.Media)
	return r, cat
}

func serve(r http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestResolveVariantHandler(t *testing.T) {
	r, cat := newTestRouter(t, memBlobs{})
	p := cat.addProject("launch", models.ProjectStatusReady, 3)

	w := serve(r, http.MethodGet, "/p/launch/variant?viewer_id=abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var body struct {
		Success bool       `json:"success"`
		Data    Resolution `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, p.ID, body.Data.ProjectID)
	assert.Equal(t, 3, body.Data.Count)
	assert.Equal(t, "/media/"+body.Data.Video.Key, body.Data.Video.URL)

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/p/launch/variant", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/p/other/variant?viewer_id=abc", nil).Code)
}

func TestMediaFullAndRanged(t *testing.T) {
	key := storage.VariantVideoKey("p1", "v1")
	content := []byte("0123456789abcdefghij")
	r, _ := newTestRouter(t, memBlobs{key: content})

	w := serve(r, http.MethodGet, "/media/"+key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "20", w.Header().Get("Content-Length"))

	w = serve(r, http.MethodGet, "/media/"+key, http.Header{"Range": {"bytes=5-9"}})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "56789", w.Body.String())
	assert.Equal(t, "bytes 5-9/20", w.Header().Get("Content-Range"))
	assert.Equal(t, "5", w.Header().Get("Content-Length"))

	w = serve(r, http.MethodGet, "/media/"+key, http.Header{"Range": {"bytes=-4"}})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "ghij", w.Body.String())

	w = serve(r, http.MethodGet, "/media/"+key, http.Header{"Range": {"bytes=50-"}})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */20", w.Header().Get("Content-Range"))

	w = serve(r, http.MethodGet, "/media/"+key, http.Header{"Range": {"items=1-2"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMediaHead(t *testing.T) {
	key := storage.VariantPosterKey("p1", "v1")
	r, _ := newTestRouter(t, memBlobs{key: []byte("jpegdata")})

	w := serve(r, http.MethodHead, "/media/"+key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "8", w.Header().Get("Content-Length"))
	assert.Zero(t, w.Body.Len())
}

func TestMediaRejectsNonArtifacts(t *testing.T) {
	original := storage.SegmentOriginalKey("p1", "s1", "mov")
	r, _ := newTestRouter(t, memBlobs{original: []byte("raw")})

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/media/"+original, nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/media/projects/p1/variants/v1/other.mp4", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/media/"+storage.VariantVideoKey("p1", "missing"), nil).Code)
}
