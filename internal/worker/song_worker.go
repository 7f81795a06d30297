package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songforge/internal/generation"
	"github.com/makeasinger/songforge/internal/limiter"
	"github.com/makeasinger/songforge/internal/pipeline"
	"github.com/makeasinger/songforge/internal/queue"
)

// Runner is the part of the executor the worker drives
type Runner interface {
	Start(ctx context.Context, job pipeline.Job) error
	Resume(ctx context.Context, job pipeline.Job) error
	Fail(ctx context.Context, job pipeline.Job, cause error) error
}

// SongWorker processes song tasks
type SongWorker struct {
	runner    Runner
	enqueuer  *queue.Enqueuer
	pollDelay time.Duration
	log       zerolog.Logger
}

// NewSongWorker creates a new song worker. Jobs whose owner is busy are
// rescheduled after pollDelay.
func NewSongWorker(runner Runner, enqueuer *queue.Enqueuer, pollDelay time.Duration, log zerolog.Logger) *SongWorker {
	if pollDelay <= 0 {
		pollDelay = 10 * time.Second
	}
	return &SongWorker{
		runner:    runner,
		enqueuer:  enqueuer,
		pollDelay: pollDelay,
		log:       log.With().Str("component", "song_worker").Logger(),
	}
}

// Register mounts the handlers on mux
func (w *SongWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskTypeGenerate, w.ProcessGenerate)
	mux.HandleFunc(queue.TaskTypeResume, w.ProcessResume)
}

// ProcessGenerate handles song:generate
func (w *SongWorker) ProcessGenerate(ctx context.Context, t *asynq.Task) error {
	job, err := queue.ParseJob(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err = w.runner.Start(ctx, job)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, limiter.ErrBusy):
		w.log.Debug().Str("song_id", job.SongID).Str("user_id", job.UserID).Msg("owner busy, rescheduling")
		return w.enqueuer.EnqueueGenerate(ctx, job, asynq.ProcessIn(w.pollDelay))
	case errors.Is(err, generation.ErrNoRequestShape):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// ProcessResume handles song:resume
func (w *SongWorker) ProcessResume(ctx context.Context, t *asynq.Task) error {
	job, err := queue.ParseJob(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.runner.Resume(ctx, job)
}

// HandleError is the asynq error handler. Once a task has no retries left
// its song is closed as failed.
func (w *SongWorker) HandleError(ctx context.Context, t *asynq.Task, err error) {
	retried, okRetried := asynq.GetRetryCount(ctx)
	maxRetry, okMax := asynq.GetMaxRetry(ctx)

	log := w.log.With().Str("task", t.Type()).Int("retried", retried).Int("max_retry", maxRetry).Logger()

	if okRetried && okMax && retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
		log.Warn().Err(err).Msg("task failed, will retry")
		return
	}

	job, perr := queue.ParseJob(t)
	if perr != nil {
		log.Error().Err(perr).Msg("dropping task with unreadable payload")
		return
	}

	// detach from the task deadline
	fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if ferr := w.runner.Fail(fctx, job, err); ferr != nil {
		log.Error().Err(ferr).Str("song_id", job.SongID).Msg("failed to close song")
	}
}
