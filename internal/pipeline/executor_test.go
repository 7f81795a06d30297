package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/generation"
	"github.com/makeasinger/songforge/internal/limiter"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
	"github.com/makeasinger/songforge/internal/store/memory"
)

const okBody = `{"s3_key":"songs/a.wav","cover_image_s3_key":"covers/a.png","categories":["lofi","chill"]}`

// fakeWorker is an httptest generation worker that counts calls and can
// hold responses until released.
type fakeWorker struct {
	srv   *httptest.Server
	calls atomic.Int32

	mu     sync.Mutex
	status int
	body   string
	paths  []string
	bodies []map[string]interface{}
	gate   chan struct{}
}

func newFakeWorker(t *testing.T) *fakeWorker {
	w := &fakeWorker{status: http.StatusOK, body: okBody}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.calls.Add(1)

		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.mu.Lock()
		w.paths = append(w.paths, r.URL.Path)
		w.bodies = append(w.bodies, body)
		gate, status, resp := w.gate, w.status, w.body
		w.mu.Unlock()

		if gate != nil {
			<-gate
		}
		rw.WriteHeader(status)
		rw.Write([]byte(resp))
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWorker) respond(status int, body string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status, w.body = status, body
}

// hold makes calls block until the returned func is invoked
func (w *fakeWorker) hold() func() {
	gate := make(chan struct{})
	w.mu.Lock()
	w.gate = gate
	w.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.gate = nil
			w.mu.Unlock()
			close(gate)
		})
	}
}

// syncResumer runs the continuation inline instead of through a queue
type syncResumer struct {
	exec *Executor

	mu   sync.Mutex
	runs int
	errs []error
}

func (r *syncResumer) EnqueueResume(ctx context.Context, job Job) error {
	err := r.exec.Resume(ctx, job)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses map[string][]model.SongStatus
}

func (n *recordingNotifier) NotifyStatus(songID, _ string, status model.SongStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.statuses == nil {
		n.statuses = make(map[string][]model.SongStatus)
	}
	n.statuses[songID] = append(n.statuses[songID], status)
}

// testTicketTTL matches the default pipeline.ticket_ttl
const testTicketTTL = 2 * time.Hour

type harness struct {
	store    *memory.Store
	worker   *fakeWorker
	limiter  *limiter.Keyed // nil when built around another limiter
	resumer  *syncResumer
	notifier *recordingNotifier
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	k := limiter.NewKeyed(1, testTicketTTL)
	h := newHarnessWith(t, k)
	h.limiter = k
	return h
}

// newHarnessWith builds a harness around any owner limiter
func newHarnessWith(t *testing.T, owners limiter.Limiter) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		worker:   newFakeWorker(t),
		resumer:  &syncResumer{},
		notifier: &recordingNotifier{},
	}
	gen := client.NewGenerationClient(&config.WorkerConfig{
		DescribeFullSongURL:            h.worker.srv.URL + "/describe",
		GenerateWithLyricsURL:          h.worker.srv.URL + "/lyrics",
		GenerateFromDescribedLyricsURL: h.worker.srv.URL + "/described",
		Key:                            "k",
		Secret:                         "s",
		DispatchTimeout:                time.Minute,
	}, zerolog.Nop())
	h.exec = NewExecutor(h.store, gen, owners, h.resumer, h.notifier, time.Minute, zerolog.Nop())
	h.resumer.exec = h.exec
	return h
}

func (h *harness) user(t *testing.T, id string, credits int) {
	t.Helper()
	h.store.PutUser(model.User{ID: id, Credits: credits})
}

func (h *harness) song(t *testing.T, userID string, mutate func(*model.Song)) Job {
	t.Helper()
	song := &model.Song{UserID: userID, Title: "test"}
	if mutate != nil {
		mutate(song)
	}
	require.NoError(t, h.store.CreateSong(context.Background(), song))
	return Job{SongID: song.ID, UserID: userID, EnqueuedAt: time.Now()}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.exec.Drain(ctx))
	h.resumer.mu.Lock()
	defer h.resumer.mu.Unlock()
	require.Empty(t, h.resumer.errs)
}

func (h *harness) getSong(t *testing.T, id string) *model.Song {
	t.Helper()
	song, err := h.store.GetSong(context.Background(), id)
	require.NoError(t, err)
	return song
}

func (h *harness) credits(t *testing.T, userID string) int {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Credits
}

func describe(desc string) func(*model.Song) {
	return func(s *model.Song) {
		s.FullDescribedSong = &desc
		instrumental := false
		s.Instrumental = &instrumental
	}
}

func TestExecutor_DescribedSongSucceeds(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))

	require.NoError(t, h.exec.Start(context.Background(), job))
	h.drain(t)

	require.EqualValues(t, 1, h.worker.calls.Load())
	assert.Equal(t, "/describe", h.worker.paths[0])
	assert.Equal(t, map[string]interface{}{
		"full_described_song": "Lofi rain",
		"instrumental":        false,
	}, h.worker.bodies[0])

	song := h.getSong(t, job.SongID)
	assert.Equal(t, model.SongStatusProcessed, song.Status)
	assert.Equal(t, "songs/a.wav", *song.S3Key)
	assert.Equal(t, "covers/a.png", *song.ThumbnailS3Key)
	assert.Equal(t, 4, h.credits(t, "user-1"))
	assert.Equal(t, 0, h.limiter.Len("user-1"))
	assert.Equal(t, []model.SongStatus{model.SongStatusProcessing, model.SongStatusProcessed}, h.notifier.statuses[job.SongID])
}

func TestExecutor_NoCredits(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 0)
	job := h.song(t, "user-1", func(s *model.Song) {
		lyrics, prompt := "la la", "pop"
		s.Lyrics, s.Prompt = &lyrics, &prompt
	})

	require.NoError(t, h.exec.Start(context.Background(), job))
	h.drain(t)

	assert.EqualValues(t, 0, h.worker.calls.Load())
	assert.Equal(t, model.SongStatusNoCredits, h.getSong(t, job.SongID).Status)
	assert.Equal(t, 0, h.credits(t, "user-1"))
	assert.Equal(t, 0, h.limiter.Len("user-1"))

	_, err := h.store.GetStep(context.Background(), job.SongID, StepSetStatusProcessing)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.store.GetStep(context.Background(), job.SongID, StepSetStatusNoCredits)
	assert.NoError(t, err)
}

func TestExecutor_WorkerErrorFailsWithoutCharge(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http 500", http.StatusInternalServerError, "boom"},
		{"malformed body", http.StatusOK, `{"categories":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.user(t, "user-1", 5)
			h.worker.respond(tt.status, tt.body)
			job := h.song(t, "user-1", describe("Lofi rain"))

			require.NoError(t, h.exec.Start(context.Background(), job))
			h.drain(t)

			song := h.getSong(t, job.SongID)
			assert.Equal(t, model.SongStatusFailed, song.Status)
			assert.Nil(t, song.S3Key)
			assert.Nil(t, song.ThumbnailS3Key)
			assert.Empty(t, song.Categories)
			assert.Equal(t, 5, h.credits(t, "user-1"))

			_, err := h.store.GetStep(context.Background(), job.SongID, StepDeductCredits)
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestExecutor_DispatchOutcomeRecordsStatus(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	h.worker.respond(http.StatusBadGateway, "upstream")
	job := h.song(t, "user-1", describe("x"))

	require.NoError(t, h.exec.Start(context.Background(), job))
	h.drain(t)

	rec, err := h.store.GetStep(context.Background(), job.SongID, StepDispatch)
	require.NoError(t, err)
	var outcome DispatchOutcome
	require.NoError(t, json.Unmarshal(rec.Output, &outcome))
	assert.False(t, outcome.OK)
	assert.Equal(t, http.StatusBadGateway, outcome.StatusCode)
	assert.NotEmpty(t, outcome.Error)
}

func TestExecutor_CategoriesUpserted(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 1)
	h.store.PutCategory("lofi")
	job := h.song(t, "user-1", describe("Lofi rain"))

	require.NoError(t, h.exec.Start(context.Background(), job))
	h.drain(t)

	song := h.getSong(t, job.SongID)
	assert.Equal(t, model.SongStatusProcessed, song.Status)
	assert.ElementsMatch(t, []string{"lofi", "chill"}, song.Categories)
	assert.Equal(t, 2, h.store.CategoryCount())
}

func TestExecutor_NoRequestShapeFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", func(s *model.Song) {
		lyrics := "only lyrics"
		s.Lyrics = &lyrics
	})

	err := h.exec.Start(context.Background(), job)
	assert.ErrorIs(t, err, generation.ErrNoRequestShape)
	h.drain(t)

	assert.Equal(t, model.SongStatusFailed, h.getSong(t, job.SongID).Status)
	assert.EqualValues(t, 0, h.worker.calls.Load())
	assert.Equal(t, 5, h.credits(t, "user-1"))
	assert.Equal(t, 0, h.limiter.Len("user-1"))

	_, err = h.store.GetStep(context.Background(), job.SongID, StepSetStatusProcessing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutor_ReplayDoesNotRepeatSideEffects(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))
	ctx := context.Background()

	require.NoError(t, h.exec.Start(ctx, job))
	h.drain(t)

	// redelivered generate and resume tasks
	require.NoError(t, h.exec.Start(ctx, job))
	require.NoError(t, h.exec.Resume(ctx, job))
	h.drain(t)

	assert.EqualValues(t, 1, h.worker.calls.Load())
	assert.Equal(t, 4, h.credits(t, "user-1"))
	assert.Equal(t, model.SongStatusProcessed, h.getSong(t, job.SongID).Status)
}

func TestExecutor_ResumeRetriesAfterDeductFault(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))
	ctx := context.Background()

	var faulted atomic.Bool
	h.store.Fault = func(op string) error {
		if op == "DeductCreditOnce" && faulted.CompareAndSwap(false, true) {
			return errors.New("connection reset")
		}
		return nil
	}

	require.NoError(t, h.exec.Start(ctx, job))
	require.NoError(t, h.exec.Drain(ctx))
	require.Len(t, h.resumer.errs, 1)
	assert.Equal(t, 5, h.credits(t, "user-1"))
	assert.Equal(t, 1, h.limiter.Len("user-1"))

	// asynq retry of the resume task
	require.NoError(t, h.exec.Resume(ctx, job))
	require.NoError(t, h.exec.Resume(ctx, job))

	assert.Equal(t, 4, h.credits(t, "user-1"))
	assert.EqualValues(t, 1, h.worker.calls.Load())
	assert.Equal(t, 0, h.limiter.Len("user-1"))
}

func TestExecutor_RedeliveryWhileInflight(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))
	ctx := context.Background()

	release := h.worker.hold()
	defer release()

	require.NoError(t, h.exec.Start(ctx, job))
	require.NoError(t, h.exec.Start(ctx, job))
	assert.Equal(t, model.SongStatusProcessing, h.getSong(t, job.SongID).Status)

	release()
	h.drain(t)

	assert.EqualValues(t, 1, h.worker.calls.Load())
	assert.Equal(t, 1, h.resumer.runs)
	assert.Equal(t, 4, h.credits(t, "user-1"))
}

func TestExecutor_ResumeBeforeOutcome(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))
	ctx := context.Background()

	release := h.worker.hold()
	defer release()

	require.NoError(t, h.exec.Start(ctx, job))
	assert.ErrorIs(t, h.exec.Resume(ctx, job), ErrDispatchPending)

	release()
	h.drain(t)
}

func TestExecutor_OneActiveJobPerOwner(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	first := h.song(t, "user-1", describe("first"))
	second := h.song(t, "user-1", describe("second"))
	second.EnqueuedAt = first.EnqueuedAt.Add(time.Millisecond)
	ctx := context.Background()

	release := h.worker.hold()
	defer release()

	require.NoError(t, h.exec.Start(ctx, first))
	assert.ErrorIs(t, h.exec.Start(ctx, second), limiter.ErrBusy)

	assert.Equal(t, model.SongStatusProcessing, h.getSong(t, first.SongID).Status)
	assert.Equal(t, model.SongStatusQueued, h.getSong(t, second.SongID).Status)

	release()
	h.drain(t)
	assert.Equal(t, model.SongStatusProcessed, h.getSong(t, first.SongID).Status)

	require.NoError(t, h.exec.Start(ctx, second))
	h.drain(t)

	assert.Equal(t, model.SongStatusProcessed, h.getSong(t, second.SongID).Status)
	assert.Equal(t, 3, h.credits(t, "user-1"))
}

// Songs that waited in the owner backlog longer than the ticket ttl still
// run one at a time.
func TestExecutor_BackloggedOwnerStaysSerialized(t *testing.T) {
	exerciseBacklog(t, newHarness(t), "user-1")
}

func TestExecutor_BackloggedOwnerStaysSerializedRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { rdb.Close() })

	owner := "test-" + uuid.New().String()
	t.Cleanup(func() {
		rdb.Del(context.Background(), "owner:{"+owner+"}:tickets", "owner:{"+owner+"}:seen")
	})
	exerciseBacklog(t, newHarnessWith(t, limiter.NewRedis(rdb, 1, testTicketTTL)), owner)
}

func exerciseBacklog(t *testing.T, h *harness, owner string) {
	h.user(t, owner, 5)
	first := h.song(t, owner, describe("first"))
	second := h.song(t, owner, describe("second"))
	third := h.song(t, owner, describe("third"))
	queued := time.Now().Add(-testTicketTTL - 30*time.Minute)
	first.EnqueuedAt = queued
	second.EnqueuedAt = queued.Add(time.Millisecond)
	third.EnqueuedAt = queued.Add(2 * time.Millisecond)
	ctx := context.Background()

	release := h.worker.hold()
	defer release()

	require.NoError(t, h.exec.Start(ctx, first))
	assert.ErrorIs(t, h.exec.Start(ctx, second), limiter.ErrBusy)
	assert.ErrorIs(t, h.exec.Start(ctx, third), limiter.ErrBusy)
	assert.ErrorIs(t, h.exec.Start(ctx, second), limiter.ErrBusy)

	assert.Equal(t, model.SongStatusQueued, h.getSong(t, second.SongID).Status)
	assert.Equal(t, model.SongStatusQueued, h.getSong(t, third.SongID).Status)

	release()
	h.drain(t)

	assert.ErrorIs(t, h.exec.Start(ctx, third), limiter.ErrBusy)
	require.NoError(t, h.exec.Start(ctx, second))
	h.drain(t)
	require.NoError(t, h.exec.Start(ctx, third))
	h.drain(t)

	for _, job := range []Job{first, second, third} {
		assert.Equal(t, model.SongStatusProcessed, h.getSong(t, job.SongID).Status)
	}
	assert.Equal(t, 2, h.credits(t, owner))
}

func TestExecutor_OwnersRunInParallel(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 1)
	h.user(t, "user-2", 1)
	a := h.song(t, "user-1", describe("a"))
	b := h.song(t, "user-2", describe("b"))
	ctx := context.Background()

	release := h.worker.hold()
	defer release()

	require.NoError(t, h.exec.Start(ctx, a))
	require.NoError(t, h.exec.Start(ctx, b))
	assert.Equal(t, model.SongStatusProcessing, h.getSong(t, a.SongID).Status)
	assert.Equal(t, model.SongStatusProcessing, h.getSong(t, b.SongID).Status)

	release()
	h.drain(t)
	assert.Equal(t, 0, h.credits(t, "user-1"))
	assert.Equal(t, 0, h.credits(t, "user-2"))
}

func TestExecutor_FailWhileInflight(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))
	ctx := context.Background()

	release := h.worker.hold()
	defer release()

	require.NoError(t, h.exec.Start(ctx, job))
	require.NoError(t, h.exec.Fail(ctx, job, errors.New("retries exhausted")))
	assert.Equal(t, model.SongStatusFailed, h.getSong(t, job.SongID).Status)
	assert.Equal(t, 0, h.limiter.Len("user-1"))

	// the late success must not resurrect or bill the song
	release()
	h.drain(t)

	song := h.getSong(t, job.SongID)
	assert.Equal(t, model.SongStatusFailed, song.Status)
	assert.Nil(t, song.S3Key)
	assert.Equal(t, 5, h.credits(t, "user-1"))
}

func TestExecutor_FailKeepsTerminalStatus(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))
	ctx := context.Background()

	require.NoError(t, h.exec.Start(ctx, job))
	h.drain(t)

	require.NoError(t, h.exec.Fail(ctx, job, errors.New("late")))
	assert.Equal(t, model.SongStatusProcessed, h.getSong(t, job.SongID).Status)
}

func TestExecutor_FailQueuedSong(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))

	require.NoError(t, h.exec.Fail(context.Background(), job, errors.New("store unavailable")))
	assert.Equal(t, model.SongStatusFailed, h.getSong(t, job.SongID).Status)
	assert.Equal(t, []model.SongStatus{model.SongStatusFailed}, h.notifier.statuses[job.SongID])
}

func TestExecutor_StoreFaultBubblesUp(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))

	h.store.Fault = func(op string) error {
		if op == "UpdateStatus" {
			return errors.New("db down")
		}
		return nil
	}

	err := h.exec.Start(context.Background(), job)
	require.Error(t, err)
	assert.NotErrorIs(t, err, generation.ErrNoRequestShape)
	assert.Equal(t, model.SongStatusQueued, h.getSong(t, job.SongID).Status)

	// check-credits is recorded, so the retry only redoes the status write
	h.store.Fault = nil
	require.NoError(t, h.exec.Start(context.Background(), job))
	h.drain(t)
	assert.Equal(t, model.SongStatusProcessed, h.getSong(t, job.SongID).Status)
}

func TestExecutor_TerminalSongSkipped(t *testing.T) {
	h := newHarness(t)
	h.user(t, "user-1", 5)
	job := h.song(t, "user-1", describe("Lofi rain"))
	require.NoError(t, h.store.UpdateStatus(context.Background(), job.SongID, model.SongStatusNoCredits))

	require.NoError(t, h.exec.Start(context.Background(), job))
	assert.EqualValues(t, 0, h.worker.calls.Load())
	assert.Equal(t, 0, h.limiter.Len("user-1"))
}
