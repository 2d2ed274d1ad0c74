package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/models"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[uuid.UUID]func(string, []byte)
	canceled map[uuid.UUID]int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: map[uuid.UUID]func(string, []byte){}, canceled: map[uuid.UUID]int{}}
}

func (f *fakeSubscriber) SubscribeProject(projectID uuid.UUID, handler func(string, []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[projectID] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.canceled[projectID]++
		delete(f.handlers, projectID)
	}, nil
}

func (f *fakeSubscriber) deliver(projectID uuid.UUID, event string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[projectID]
	f.mu.Unlock()
	if h != nil {
		h(event, payload)
	}
}

func newTestClient(h *Hub, projectID uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), ProjectID: projectID, hub: h, send: make(chan WSMessage, 4)}
}

func TestHubRoomsAndSubscriptions(t *testing.T) {
	sub := newFakeSubscriber()
	h := NewHub(nil, sub)
	p1, p2 := uuid.New(), uuid.New()
	a, b, c := newTestClient(h, p1), newTestClient(h, p1), newTestClient(h, p2)
	h.Register(a)
	h.Register(b)
	h.Register(c)
	assert.Equal(t, 2, h.ClientCount(p1))

	sub.deliver(p1, "job_progress", []byte(`{"progress":30}`))
	for _, cl := range []*Client{a, b} {
		msg := <-cl.send
		assert.Equal(t, "job_progress", msg.Event)
		assert.JSONEq(t, `{"progress":30}`, string(msg.Data))
	}
	assert.Empty(t, c.send)

	h.Unregister(a)
	assert.Zero(t, sub.canceled[p1])
	h.Unregister(b)
	h.Unregister(b)
	assert.Equal(t, 1, sub.canceled[p1])
	assert.Zero(t, h.ClientCount(p1))
	_, open := <-a.send
	assert.False(t, open)
}

func TestHubPublishDropsForSlowClients(t *testing.T) {
	h := NewHub(nil, nil)
	p := uuid.New()
	cl := newTestClient(h, p)
	h.Register(cl)
	for i := 0; i < 10; i++ {
		h.Publish(context.Background(), p, "job_progress", map[string]int{"progress": i})
	}
	assert.Len(t, cl.send, cap(cl.send))
}

type fakeProjects map[uuid.UUID]*models.Project

func (f fakeProjects) GetByID(_ context.Context, id uuid.UUID) (*models.Project, error) {
	return f[id], nil
}

func TestServeWsStreamsToOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	owner := uuid.New()
	p := &models.Project{ID: uuid.New(), OwnerID: owner}
	h := NewHub(nil, nil)
	validate := func(tok string) (uuid.UUID, error) {
		if tok == "good" {
			return owner, nil
		}
		if tok == "stranger" {
			return uuid.New(), nil
		}
		return uuid.Nil, errors.New("bad token")
	}
	r := gin.New()
	r.GET("/ws/projects/:id", ServeWs(h, fakeProjects{p.ID: p}, validate, zap.NewNop()))
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/projects/"

	_, resp, err := websocket.DefaultDialer.Dial(base+p.ID.String()+"?token=bad", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+p.ID.String()+"?token=stranger", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+p.ID.String()+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount(p.ID) == 1 }, 2*time.Second, 10*time.Millisecond)
	h.Publish(context.Background(), p.ID, "project_status", map[string]string{"status": "ready"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "project_status", msg.Event)
	var data map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "ready", data["status"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.ClientCount(p.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}
