package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/generation"
	"github.com/makeasinger/songforge/internal/limiter"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/pipeline"
	"github.com/makeasinger/songforge/internal/queue"
	"github.com/makeasinger/songforge/internal/store/memory"
)

type fakeClient struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{}, nil
}

type fakeRunner struct {
	startErr  error
	resumeErr error
	failed    []error
}

func (r *fakeRunner) Start(context.Context, pipeline.Job) error  { return r.startErr }
func (r *fakeRunner) Resume(context.Context, pipeline.Job) error { return r.resumeErr }
func (r *fakeRunner) Fail(_ context.Context, _ pipeline.Job, cause error) error {
	r.failed = append(r.failed, cause)
	return nil
}

func generateTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := queue.NewTask(queue.TaskTypeGenerate, pipeline.Job{SongID: "song-1", UserID: "user-1"})
	require.NoError(t, err)
	return task
}

func TestProcessGenerate_BusyReschedules(t *testing.T) {
	fc := &fakeClient{}
	w := NewSongWorker(&fakeRunner{startErr: limiter.ErrBusy}, queue.NewEnqueuer(fc, 3), 7*time.Second, zerolog.Nop())

	require.NoError(t, w.ProcessGenerate(context.Background(), generateTask(t)))
	require.Len(t, fc.tasks, 1)
	assert.Equal(t, queue.TaskTypeGenerate, fc.tasks[0].Type())

	var delay interface{}
	for _, o := range fc.opts[0] {
		if o.Type() == asynq.ProcessInOpt {
			delay = o.Value()
		}
	}
	assert.Equal(t, 7*time.Second, delay)
}

func TestProcessGenerate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		startErr  error
		skipRetry bool
	}{
		{"no request shape", fmt.Errorf("step check-credits: %w", generation.ErrNoRequestShape), true},
		{"transient", errors.New("db down"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewSongWorker(&fakeRunner{startErr: tt.startErr}, queue.NewEnqueuer(&fakeClient{}, 3), 0, zerolog.Nop())
			err := w.ProcessGenerate(context.Background(), generateTask(t))
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestProcessGenerate_BadPayload(t *testing.T) {
	w := NewSongWorker(&fakeRunner{}, queue.NewEnqueuer(&fakeClient{}, 3), 0, zerolog.Nop())
	err := w.ProcessGenerate(context.Background(), asynq.NewTask(queue.TaskTypeGenerate, []byte("nope")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleError_FailsSong(t *testing.T) {
	runner := &fakeRunner{}
	w := NewSongWorker(runner, queue.NewEnqueuer(&fakeClient{}, 3), 0, zerolog.Nop())

	cause := errors.New("store unavailable")
	w.HandleError(context.Background(), generateTask(t), cause)

	require.Len(t, runner.failed, 1)
	assert.ErrorIs(t, runner.failed[0], cause)
}

type instantGenerator struct{}

func (instantGenerator) Generate(context.Context, *generation.Request) (*client.GenerateResult, error) {
	return &client.GenerateResult{S3Key: "a.wav", CoverImageS3Key: "a.png", Categories: []string{"lofi"}}, nil
}

// TestSongWorker_EndToEnd runs both task types against a real executor,
// replaying enqueued tasks by hand. The second song must wait for the first
// one's resume even though both were enqueued long ago.
func TestSongWorker_EndToEnd(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.PutUser(model.User{ID: "user-1", Credits: 2})

	desc := "Lofi rain"
	first := &model.Song{UserID: "user-1", Title: "a", FullDescribedSong: &desc}
	second := &model.Song{UserID: "user-1", Title: "b", FullDescribedSong: &desc}
	require.NoError(t, st.CreateSong(ctx, first))
	require.NoError(t, st.CreateSong(ctx, second))

	fc := &fakeClient{}
	enq := queue.NewEnqueuer(fc, 3)
	exec := pipeline.NewExecutor(st, instantGenerator{}, limiter.NewKeyed(1, 2*time.Hour), enq, nil, time.Minute, zerolog.Nop())
	w := NewSongWorker(exec, enq, time.Second, zerolog.Nop())

	// both songs waited in the backlog longer than the ticket ttl
	now := time.Now().Add(-3 * time.Hour)
	t1, err := queue.NewTask(queue.TaskTypeGenerate, pipeline.Job{SongID: first.ID, UserID: "user-1", EnqueuedAt: now})
	require.NoError(t, err)
	t2, err := queue.NewTask(queue.TaskTypeGenerate, pipeline.Job{SongID: second.ID, UserID: "user-1", EnqueuedAt: now.Add(time.Millisecond)})
	require.NoError(t, err)

	require.NoError(t, w.ProcessGenerate(ctx, t1))
	require.NoError(t, exec.Drain(ctx))
	require.NoError(t, w.ProcessGenerate(ctx, t2))

	// resume for the first song, then the reschedule of the second
	require.Len(t, fc.tasks, 2)
	assert.Equal(t, queue.TaskTypeResume, fc.tasks[0].Type())
	assert.Equal(t, queue.TaskTypeGenerate, fc.tasks[1].Type())

	require.NoError(t, w.ProcessResume(ctx, fc.tasks[0]))
	require.NoError(t, w.ProcessGenerate(ctx, fc.tasks[1]))
	require.NoError(t, exec.Drain(ctx))
	require.Len(t, fc.tasks, 3)
	require.NoError(t, w.ProcessResume(ctx, fc.tasks[2]))

	for _, id := range []string{first.ID, second.ID} {
		song, err := st.GetSong(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.SongStatusProcessed, song.Status)
	}
	u, err := st.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Credits)
}
