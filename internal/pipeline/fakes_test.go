package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/splitcut/backend/internal/media"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/internal/variants"
	"github.com/splitcut/backend/pkg/apperror"
	"github.com/splitcut/backend/pkg/queue"
)

// fakeDB is an in-memory stand-in for the relational store.
type fakeDB struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	segments map[uuid.UUID]*models.Segment
	variants map[uuid.UUID]*models.Variant
	jobs     map[uuid.UUID]*models.ProcessingJob
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		projects: make(map[uuid.UUID]*models.Project),
		segments: make(map[uuid.UUID]*models.Segment),
		variants: make(map[uuid.UUID]*models.Variant),
		jobs:     make(map[uuid.UUID]*models.ProcessingJob),
	}
}

func (db *fakeDB) stores() Stores {
	return Stores{
		Projects: fakeProjects{db},
		Segments: fakeSegments{db},
		Variants: fakeVariants{db},
		Jobs:     fakeJobs{db},
	}
}

func (db *fakeDB) project(id uuid.UUID) models.Project {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.projects[id]
}

func (db *fakeDB) segment(id uuid.UUID) models.Segment {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.segments[id]
}

func (db *fakeDB) job(targetID uuid.UUID) (models.ProcessingJob, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	j, ok := db.jobs[targetID]
	if !ok {
		return models.ProcessingJob{}, false
	}
	return *j, true
}

func (db *fakeDB) jobCount(jobType string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, j := range db.jobs {
		if j.JobType == jobType {
			n++
		}
	}
	return n
}

func (db *fakeDB) setSegment(id uuid.UUID, fn func(s *models.Segment)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.segments[id])
}

func (db *fakeDB) setVariants(projectID uuid.UUID, fn func(v *models.Variant)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, v := range db.variants {
		if v.ProjectID == projectID {
			fn(v)
		}
	}
}

type fakeProjects struct{ db *fakeDB }

func (f fakeProjects) GetByID(_ context.Context, id uuid.UUID) (*models.Project, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.projects[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f fakeProjects) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if p, ok := f.db.projects[id]; ok {
		p.Status = status
	}
	return nil
}

func (f fakeProjects) TransitionStatus(_ context.Context, id uuid.UUID, from, to string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.projects[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

type fakeSegments struct{ db *fakeDB }

func (f fakeSegments) GetByID(_ context.Context, id uuid.UUID) (*models.Segment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.segments[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f fakeSegments) ListByProject(_ context.Context, projectID uuid.UUID) ([]models.Segment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Segment
	for _, s := range f.db.segments {
		if s.ProjectID == projectID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (f fakeSegments) MarkNormalizing(_ context.Context, id uuid.UUID) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if s, ok := f.db.segments[id]; ok && s.Status != models.SegmentStatusNormalized {
		s.Status = models.SegmentStatusNormalizing
		s.ErrorMessage = ""
	}
	return nil
}

func (f fakeSegments) SetNormalized(_ context.Context, id uuid.UUID, n models.SegmentNormalization) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.segments[id]
	if !ok {
		return nil
	}
	s.OriginalSize, s.DurationMs, s.Width, s.Height, s.FPS, s.Codec = n.OriginalSize, n.DurationMs, n.Width, n.Height, n.FPS, n.Codec
	s.NormalizedKey, s.NormalizedSize, s.NormalizedDurationMs = n.NormalizedKey, n.NormalizedSize, n.NormalizedDurationMs
	s.Status = models.SegmentStatusNormalized
	s.ErrorMessage = ""
	return nil
}

func (f fakeSegments) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if s, ok := f.db.segments[id]; ok {
		s.Status = models.SegmentStatusFailed
		s.ErrorMessage = msg
	}
	return nil
}

func (f fakeSegments) ResetFailed(_ context.Context, projectID uuid.UUID) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, s := range f.db.segments {
		if s.ProjectID == projectID && (s.Status == models.SegmentStatusFailed || s.Status == models.SegmentStatusNormalizing) {
			s.Status = models.SegmentStatusUploaded
			s.ErrorMessage = ""
			n++
		}
	}
	return n, nil
}

type fakeVariants struct{ db *fakeDB }

func (f fakeVariants) Sync(_ context.Context, projectID uuid.UUID, triples []variants.Triple) ([]models.Variant, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	keep := make(map[uuid.UUID]bool)
	var out []models.Variant
	for _, t := range triples {
		for _, id := range []uuid.UUID{t.HookSegmentID, t.BodySegmentID, t.CTASegmentID} {
			s, ok := f.db.segments[id]
			if !ok || s.ProjectID != projectID {
				return nil, fmt.Errorf("segment %s not in project", id)
			}
		}
		var found *models.Variant
		for _, v := range f.db.variants {
			if v.HookSegmentID == t.HookSegmentID && v.BodySegmentID == t.BodySegmentID && v.CTASegmentID == t.CTASegmentID {
				found = v
				break
			}
		}
		if found == nil {
			found = &models.Variant{
				ID:            uuid.New(),
				ProjectID:     projectID,
				HookSegmentID: t.HookSegmentID,
				BodySegmentID: t.BodySegmentID,
				CTASegmentID:  t.CTASegmentID,
				Status:        models.VariantStatusPending,
				Weight:        1,
			}
			f.db.variants[found.ID] = found
		}
		found.VariantCode = t.Code
		keep[found.ID] = true
		out = append(out, *found)
	}
	for id, v := range f.db.variants {
		if v.ProjectID == projectID && !keep[id] {
			delete(f.db.variants, id)
		}
	}
	return out, nil
}

func (f fakeVariants) GetByID(_ context.Context, id uuid.UUID) (*models.Variant, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	v, ok := f.db.variants[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (f fakeVariants) ListByProject(_ context.Context, projectID uuid.UUID) ([]models.Variant, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.Variant
	for _, v := range f.db.variants {
		if v.ProjectID == projectID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantCode < out[j].VariantCode })
	return out, nil
}

func (f fakeVariants) MarkRendering(_ context.Context, id uuid.UUID) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if v, ok := f.db.variants[id]; ok && v.Status != models.VariantStatusRendered {
		v.Status = models.VariantStatusRendering
		v.ErrorMessage = ""
	}
	return nil
}

func (f fakeVariants) SetRendered(_ context.Context, id uuid.UUID, out models.VariantRender) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	v, ok := f.db.variants[id]
	if !ok {
		return nil
	}
	v.VideoKey, v.VideoSize, v.VideoDurationMs = out.VideoKey, out.VideoSize, out.VideoDurationMs
	v.HookClipKey, v.HookClipSize, v.HookClipDurationMs = out.HookClipKey, out.HookClipSize, out.HookClipDurationMs
	v.HookEndTimeMs, v.PosterKey = out.HookEndTimeMs, out.PosterKey
	v.Status = models.VariantStatusRendered
	v.ErrorMessage = ""
	return nil
}

func (f fakeVariants) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if v, ok := f.db.variants[id]; ok {
		v.Status = models.VariantStatusFailed
		v.ErrorMessage = msg
	}
	return nil
}

func (f fakeVariants) ResetFailed(_ context.Context, projectID uuid.UUID) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, v := range f.db.variants {
		if v.ProjectID == projectID && (v.Status == models.VariantStatusFailed || v.Status == models.VariantStatusRendering) {
			v.Status = models.VariantStatusPending
			v.ErrorMessage = ""
			n++
		}
	}
	return n, nil
}

type fakeJobs struct{ db *fakeDB }

func (f fakeJobs) Upsert(_ context.Context, j *models.ProcessingJob) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if cur, ok := f.db.jobs[j.TargetID]; ok {
		cur.QueueJobID = j.QueueJobID
		if cur.Status == models.JobStatusCompleted || cur.Status == models.JobStatusFailed {
			cur.Status, cur.Progress, cur.ErrorMessage = models.JobStatusQueued, 0, ""
			cur.StartedAt, cur.CompletedAt = nil, nil
		}
		*j = *cur
		return nil
	}
	now := time.Now()
	row := *j
	row.ID = uuid.New()
	row.Status = models.JobStatusQueued
	row.CreatedAt, row.UpdatedAt = now, now
	f.db.jobs[j.TargetID] = &row
	*j = row
	return nil
}

func (f fakeJobs) update(targetID uuid.UUID, fn func(j *models.ProcessingJob)) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if j, ok := f.db.jobs[targetID]; ok {
		fn(j)
	}
	return nil
}

func (f fakeJobs) MarkActive(_ context.Context, targetID uuid.UUID) error {
	return f.update(targetID, func(j *models.ProcessingJob) {
		now := time.Now()
		j.Status, j.StartedAt, j.CompletedAt, j.ErrorMessage = models.JobStatusActive, &now, nil, ""
	})
}

func (f fakeJobs) SetProgress(_ context.Context, targetID uuid.UUID, progress int) error {
	return f.update(targetID, func(j *models.ProcessingJob) { j.Progress = progress })
}

func (f fakeJobs) MarkCompleted(_ context.Context, targetID uuid.UUID) error {
	return f.update(targetID, func(j *models.ProcessingJob) {
		now := time.Now()
		j.Status, j.Progress, j.CompletedAt, j.ErrorMessage = models.JobStatusCompleted, 100, &now, ""
	})
}

func (f fakeJobs) MarkFailed(_ context.Context, targetID uuid.UUID, msg string) error {
	return f.update(targetID, func(j *models.ProcessingJob) {
		now := time.Now()
		j.Status, j.ErrorMessage, j.CompletedAt = models.JobStatusFailed, msg, &now
	})
}

func (f fakeJobs) ListByProject(_ context.Context, projectID uuid.UUID) ([]models.ProcessingJob, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.ProcessingJob
	for _, j := range f.db.jobs {
		if j.ProjectID == projectID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f fakeJobs) DeleteUnfinished(_ context.Context, projectID uuid.UUID) ([]models.ProcessingJob, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.ProcessingJob
	for id, j := range f.db.jobs {
		if j.ProjectID == projectID && j.Status != models.JobStatusCompleted {
			out = append(out, *j)
			delete(f.db.jobs, id)
		}
	}
	return out, nil
}

// fakeBlobs is an in-memory object store.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: make(map[string][]byte)} }

func (b *fakeBlobs) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *fakeBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *fakeBlobs) DownloadFile(_ context.Context, key, path string) (int64, error) {
	b.mu.Lock()
	data, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return 0, apperror.NotFound("download", "object %s", key)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return 0, apperror.Storage("download", err)
	}
	return int64(len(data)), nil
}

func (b *fakeBlobs) UploadFile(_ context.Context, key, _ string, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, apperror.Storage("upload", err)
	}
	b.put(key, data)
	return int64(len(data)), nil
}

// Media fakes pass metadata through files as JSON, so every stage sees what the previous one wrote.

func writeMeta(path string, m media.Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readMeta(path string) (media.Metadata, error) {
	var m media.Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

type fakeProber struct{}

func (fakeProber) Probe(_ context.Context, path string) (*media.Metadata, error) {
	m, err := readMeta(path)
	if err != nil {
		return nil, apperror.Probe("probe", "unreadable media", err)
	}
	return &m, nil
}

// brokenCodec makes fakeTranscoder fail the way ffmpeg does on corrupt input.
const brokenCodec = "broken"

type fakeTranscoder struct {
	normalizeCalls atomic.Int32
	remuxCalls     atomic.Int32
}

func (t *fakeTranscoder) Normalize(_ context.Context, input, output string, meta *media.Metadata, spec models.TargetSpec) error {
	t.normalizeCalls.Add(1)
	if meta.VideoCodec == brokenCodec {
		return apperror.Encode("normalize", errors.New("exit status 1"), "moov atom not found\nInvalid data found when processing input")
	}
	return writeMeta(output, media.Metadata{
		DurationMs:      meta.DurationMs,
		Width:           spec.Width,
		Height:          spec.Height,
		FPS:             spec.FPS,
		VideoCodec:      media.CodecName(spec.VideoCodec),
		AudioCodec:      media.CodecName(spec.AudioCodec),
		AudioSampleRate: spec.AudioSampleRate,
		AudioChannels:   spec.AudioChannels,
		HasAudio:        true,
	})
}

func (t *fakeTranscoder) Remux(_ context.Context, input, output string) error {
	t.remuxCalls.Add(1)
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o600)
}

type fakeStitcher struct{ calls atomic.Int32 }

func (s *fakeStitcher) Concat(_ context.Context, inputs []string, output string) error {
	s.calls.Add(1)
	var total media.Metadata
	for _, in := range inputs {
		m, err := readMeta(in)
		if err != nil {
			return apperror.Concat("concat", err, "")
		}
		d := total.DurationMs
		total = m
		total.DurationMs = d + m.DurationMs
	}
	return writeMeta(output, total)
}

type fakeExtractor struct{}

func (fakeExtractor) HookClip(_ context.Context, input, output string, durationMs int64) error {
	m, err := readMeta(input)
	if err != nil {
		return apperror.Extract("hook clip", err, "")
	}
	m.DurationMs = durationMs
	return writeMeta(output, m)
}

func (fakeExtractor) Poster(_ context.Context, _, output string) error {
	return os.WriteFile(output, []byte("\xff\xd8\xff\xe0jpeg"), 0o600)
}

type recordedEvent struct {
	ProjectID uuid.UUID
	Event     string
	Payload   any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(_ context.Context, projectID uuid.UUID, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{ProjectID: projectID, Event: event, Payload: payload})
}

func (p *fakePublisher) count(event, status string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Event != event {
			continue
		}
		if sc, ok := e.Payload.(StatusChange); ok && status != "" && sc.Status != status {
			continue
		}
		n++
	}
	return n
}

var defaultTarget = models.TargetSpec{
	Width:           1080,
	Height:          1920,
	FPS:             30,
	VideoCodec:      "libx264",
	AudioCodec:      "aac",
	AudioSampleRate: 48000,
	AudioChannels:   2,
	PixelFormat:     "yuv420p",
}

// matchingMeta already satisfies defaultTarget.
func matchingMeta(durationMs int64) media.Metadata {
	return media.Metadata{
		DurationMs: durationMs, Width: 1080, Height: 1920, FPS: 30, VideoCodec: "h264",
		AudioCodec: "aac", AudioSampleRate: 48000, AudioChannels: 2, HasAudio: true,
	}
}

// landscapeMeta needs re-encoding.
func landscapeMeta(durationMs int64) media.Metadata {
	return media.Metadata{
		DurationMs: durationMs, Width: 1920, Height: 1080, FPS: 29.97, VideoCodec: "hevc",
		AudioCodec: "mp3", AudioSampleRate: 44100, AudioChannels: 1, HasAudio: true,
	}
}

// harness wires a controller, both processors and a memory broker over fakes.
type harness struct {
	t          *testing.T
	db         *fakeDB
	blobs      *fakeBlobs
	broker     *queue.Memory
	events     *fakePublisher
	transcoder *fakeTranscoder
	stitcher   *fakeStitcher
	ctrl       *Controller
	normalize  *NormalizeProcessor
	render     *RenderProcessor
	workDir    string
	projectID  uuid.UUID
}

func newHarness(t *testing.T, attempts int) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		db:         newFakeDB(),
		blobs:      newFakeBlobs(),
		broker:     queue.NewMemory(queue.MemoryConfig{PollInterval: time.Millisecond}, nil),
		events:     &fakePublisher{},
		transcoder: &fakeTranscoder{},
		stitcher:   &fakeStitcher{},
		workDir:    t.TempDir(),
		projectID:  uuid.New(),
	}
	opts := queue.Options{Attempts: attempts, Backoff: time.Millisecond, LockTimeout: time.Minute}
	h.ctrl = NewController(h.db.stores(), h.broker, h.events, JobOptions{Normalize: opts, Render: opts}, nil)
	h.normalize = NewNormalizeProcessor(h.ctrl, h.blobs, fakeProber{}, h.transcoder, h.workDir, nil)
	h.render = NewRenderProcessor(h.ctrl, h.blobs, fakeProber{}, h.stitcher, fakeExtractor{}, h.workDir, nil)
	h.db.projects[h.projectID] = &models.Project{
		ID:     h.projectID,
		Name:   "Launch",
		Slug:   "launch",
		Status: models.ProjectStatusDraft,
		Target: defaultTarget,
	}
	return h
}

// addSegment stores an uploaded segment whose original carries meta.
func (h *harness) addSegment(typ string, order int, meta media.Metadata) uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	key := fmt.Sprintf("projects/%s/segments/%s/original.mov", h.projectID, id)
	data, err := json.Marshal(meta)
	require.NoError(h.t, err)
	h.blobs.put(key, data)
	h.db.mu.Lock()
	h.db.segments[id] = &models.Segment{
		ID:          id,
		ProjectID:   h.projectID,
		Type:        typ,
		Label:       fmt.Sprintf("%s %d", typ, order),
		SortOrder:   order,
		OriginalKey: key,
		Status:      models.SegmentStatusUploaded,
	}
	h.db.mu.Unlock()
	return id
}

// runWorker consumes both queues until the test ends.
func (h *harness) runWorker() {
	h.t.Helper()
	w := NewWorker(h.broker, h.normalize, h.render, WorkerConfig{NormalizeConcurrency: 2, RenderConcurrency: 4}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) variants() []models.Variant {
	vs, err := fakeVariants{h.db}.ListByProject(context.Background(), h.projectID)
	require.NoError(h.t, err)
	return vs
}

func (h *harness) projectStatus() string {
	return h.db.project(h.projectID).Status
}

func (h *harness) workDirEmpty() bool {
	entries, err := os.ReadDir(h.workDir)
	require.NoError(h.t, err)
	return len(entries) == 0
}
