// Package pipeline runs a song through its generation steps.
//
// Every step writes a ledger record before the next one starts, so a
// redelivered task skips finished work. The worker call is split in two:
// Start claims the dispatch and hands the HTTP request to a detached
// goroutine, and Resume picks the run back up from the recorded outcome
// once a continuation task arrives.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/credit"
	"github.com/makeasinger/songforge/internal/generation"
	"github.com/makeasinger/songforge/internal/limiter"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
)

// Step names as stored in the ledger
const (
	StepCheckCredits        = "check-credits"
	StepSetStatusProcessing = "set-status-processing"
	StepDispatch            = "dispatch"
	StepUpdateSongResult    = "update-song-result"
	StepDeductCredits       = "deduct-credits"
	StepSetStatusNoCredits  = "set-status-no-credits"
	StepSetStatusFailed     = "set-status-failed"
)

// ErrDispatchPending is returned by Resume when the dispatch outcome has
// not been recorded yet
var ErrDispatchPending = errors.New("dispatch still pending")

// Job identifies one run of the pipeline
type Job struct {
	SongID     string    `json:"songId"`
	UserID     string    `json:"userId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Resumer schedules the continuation of a job after its dispatch finished
type Resumer interface {
	EnqueueResume(ctx context.Context, job Job) error
}

// Notifier is told about every status a song reaches
type Notifier interface {
	NotifyStatus(songID, userID string, status model.SongStatus)
}

// CheckResult is the recorded output of check-credits
type CheckResult struct {
	UserID   string              `json:"userId"`
	Balance  int                 `json:"balance"`
	Decision credit.Decision     `json:"decision"`
	Endpoint generation.Endpoint `json:"endpoint"`
	Payload  generation.Payload  `json:"payload"`
}

// DispatchOutcome is the recorded output of dispatch
type DispatchOutcome struct {
	OK         bool                   `json:"ok"`
	StatusCode int                    `json:"statusCode,omitempty"`
	Result     *client.GenerateResult `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// SongUpdate is the recorded output of update-song-result
type SongUpdate struct {
	Status model.SongStatus `json:"status"`
}

// Executor drives songs through the step sequence
type Executor struct {
	store           store.Store
	generator       client.Generator
	limiter         limiter.Limiter
	resumer         Resumer
	notifier        Notifier
	dispatchTimeout time.Duration
	log             zerolog.Logger

	// inflight tracks detached dispatch goroutines
	inflight sync.WaitGroup
}

// NewExecutor creates an executor. notifier may be nil.
func NewExecutor(
	st store.Store,
	generator client.Generator,
	lim limiter.Limiter,
	resumer Resumer,
	notifier Notifier,
	dispatchTimeout time.Duration,
	log zerolog.Logger,
) *Executor {
	if dispatchTimeout <= 0 {
		dispatchTimeout = 15 * time.Minute
	}
	return &Executor{
		store:           st,
		generator:       generator,
		limiter:         lim,
		resumer:         resumer,
		notifier:        notifier,
		dispatchTimeout: dispatchTimeout,
		log:             log.With().Str("component", "executor").Logger(),
	}
}

// Start runs a job up to the dispatch. It returns limiter.ErrBusy when
// another job of the same owner is ahead, and an error wrapping
// generation.ErrNoRequestShape after failing a song with no usable input.
func (e *Executor) Start(ctx context.Context, job Job) error {
	log := e.jobLogger(job)

	song, err := e.store.GetSong(ctx, job.SongID)
	if err != nil {
		return fmt.Errorf("failed to load song: %w", err)
	}
	if song.Status.IsTerminal() {
		log.Debug().Str("status", string(song.Status)).Msg("song already finished")
		return e.release(ctx, job)
	}

	if err := e.limiter.Acquire(ctx, job.UserID, job.SongID, job.EnqueuedAt); err != nil {
		return err
	}

	check, err := runStep(ctx, e, job, StepCheckCredits, func(ctx context.Context) (CheckResult, error) {
		return e.checkCredits(ctx, job)
	})
	if err != nil {
		if errors.Is(err, generation.ErrNoRequestShape) {
			log.Warn().Err(err).Msg("song has no dispatchable input")
			if ferr := e.finish(ctx, job, StepSetStatusFailed, model.SongStatusFailed); ferr != nil {
				return ferr
			}
		}
		return err
	}

	if check.Decision == credit.Denied {
		log.Info().Int("balance", check.Balance).Msg("insufficient credits")
		return e.finish(ctx, job, StepSetStatusNoCredits, model.SongStatusNoCredits)
	}

	_, err = runStep(ctx, e, job, StepSetStatusProcessing, func(ctx context.Context) (SongUpdate, error) {
		if err := e.store.UpdateStatus(ctx, job.SongID, model.SongStatusProcessing); err != nil {
			return SongUpdate{}, err
		}
		e.notify(job, model.SongStatusProcessing)
		return SongUpdate{Status: model.SongStatusProcessing}, nil
	})
	if err != nil {
		return err
	}

	return e.dispatch(ctx, job, check)
}

func (e *Executor) checkCredits(ctx context.Context, job Job) (CheckResult, error) {
	song, err := e.store.GetSong(ctx, job.SongID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to load song: %w", err)
	}
	user, err := e.store.GetUser(ctx, song.UserID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to load owner: %w", err)
	}
	req, err := generation.Build(song)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		UserID:   user.ID,
		Balance:  user.Credits,
		Decision: credit.Check(user.Credits),
		Endpoint: req.Endpoint,
		Payload:  req.Payload,
	}, nil
}

// dispatch claims the dispatch step and fires the worker call without
// waiting for it. A claim that already exists means a previous delivery
// got here first.
func (e *Executor) dispatch(ctx context.Context, job Job, check CheckResult) error {
	log := e.jobLogger(job)

	rec, err := e.store.GetStep(ctx, job.SongID, StepDispatch)
	switch {
	case err == nil && rec.State == store.StepDone:
		log.Debug().Msg("dispatch already finished, resuming")
		return e.resumer.EnqueueResume(ctx, job)
	case err == nil:
		log.Debug().Msg("dispatch already in flight")
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to read dispatch step: %w", err)
	}

	claimed, err := e.store.ClaimStep(ctx, job.SongID, job.UserID, StepDispatch)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug().Msg("dispatch claimed by another delivery")
		return nil
	}

	req := &generation.Request{Endpoint: check.Endpoint, Payload: check.Payload}
	e.inflight.Add(1)
	go e.call(job, req)

	log.Info().Str("endpoint", string(check.Endpoint)).Msg("dispatched")
	return nil
}

// call runs detached from the task context, which asynq cancels once the
// handler returns.
func (e *Executor) call(job Job, req *generation.Request) {
	defer e.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
	defer cancel()

	res, err := e.generator.Generate(ctx, req)
	e.completeDispatch(context.Background(), job, outcomeOf(res, err))
}

func outcomeOf(res *client.GenerateResult, err error) DispatchOutcome {
	if err == nil {
		return DispatchOutcome{OK: true, Result: res}
	}
	outcome := DispatchOutcome{Error: err.Error()}
	var dispatchErr *client.DispatchError
	if errors.As(err, &dispatchErr) {
		outcome.StatusCode = dispatchErr.StatusCode
	}
	return outcome
}

// completeDispatch records the outcome and schedules the continuation.
// Only the first outcome for a claim is kept, so a late worker response and
// a reaper timeout cannot overwrite each other. A lost enqueue is picked up
// by the reaper.
func (e *Executor) completeDispatch(ctx context.Context, job Job, outcome DispatchOutcome) bool {
	log := e.jobLogger(job)

	raw, err := json.Marshal(outcome)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode dispatch outcome")
		return false
	}
	recorded, err := e.store.FinishStep(ctx, &store.StepRecord{
		SongID: job.SongID,
		UserID: job.UserID,
		Step:   StepDispatch,
		Output: raw,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record dispatch outcome")
		return false
	}
	if !recorded {
		log.Warn().Bool("ok", outcome.OK).Msg("dispatch outcome already recorded, dropping")
		return false
	}

	if outcome.OK {
		log.Info().Msg("worker call succeeded")
	} else {
		log.Warn().Int("status", outcome.StatusCode).Str("error", outcome.Error).Msg("worker call failed")
	}

	if err := e.resumer.EnqueueResume(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to enqueue resume")
	}
	return true
}

// Resume finishes a job whose dispatch outcome is recorded. Credits are
// deducted only when the song reached processed.
func (e *Executor) Resume(ctx context.Context, job Job) error {
	log := e.jobLogger(job)

	rec, err := e.store.GetStep(ctx, job.SongID, StepDispatch)
	if err != nil {
		return fmt.Errorf("failed to read dispatch step: %w", err)
	}
	if rec.State != store.StepDone {
		return ErrDispatchPending
	}

	var outcome DispatchOutcome
	if err := json.Unmarshal(rec.Output, &outcome); err != nil {
		return fmt.Errorf("failed to decode dispatch outcome: %w", err)
	}

	update, err := runStep(ctx, e, job, StepUpdateSongResult, func(ctx context.Context) (SongUpdate, error) {
		return e.updateSongResult(ctx, job, outcome)
	})
	if err != nil {
		return err
	}

	if update.Status == model.SongStatusProcessed {
		deducted, err := e.store.DeductCreditOnce(ctx, job.SongID, job.UserID, StepDeductCredits)
		if err != nil {
			return fmt.Errorf("step %s: %w", StepDeductCredits, err)
		}
		if deducted {
			log.Info().Msg("credit deducted")
		}
	}

	if err := e.release(ctx, job); err != nil {
		return err
	}
	e.notify(job, update.Status)
	log.Info().Str("status", string(update.Status)).Msg("song finished")
	return nil
}

// updateSongResult writes the outcome onto the song. When the song was
// already closed by the failure handler its current status is recorded
// instead.
func (e *Executor) updateSongResult(ctx context.Context, job Job, outcome DispatchOutcome) (SongUpdate, error) {
	var err error
	if outcome.OK && outcome.Result != nil {
		err = e.store.CompleteSong(ctx, job.SongID, outcome.Result.S3Key, outcome.Result.CoverImageS3Key)
		if err == nil {
			if err := e.store.AttachCategories(ctx, job.SongID, outcome.Result.Categories); err != nil {
				return SongUpdate{}, fmt.Errorf("failed to attach categories: %w", err)
			}
			return SongUpdate{Status: model.SongStatusProcessed}, nil
		}
	} else {
		err = e.store.UpdateStatus(ctx, job.SongID, model.SongStatusFailed)
		if err == nil {
			return SongUpdate{Status: model.SongStatusFailed}, nil
		}
	}

	if !errors.Is(err, store.ErrInvalidTransition) {
		return SongUpdate{}, err
	}
	song, gerr := e.store.GetSong(ctx, job.SongID)
	if gerr != nil {
		return SongUpdate{}, fmt.Errorf("failed to reload song: %w", gerr)
	}
	log := e.jobLogger(job)
	log.Warn().Str("status", string(song.Status)).Msg("song closed before result arrived")
	return SongUpdate{Status: song.Status}, nil
}

// Fail closes a song that exhausted its retries. Songs already in a
// terminal status keep it.
func (e *Executor) Fail(ctx context.Context, job Job, cause error) error {
	log := e.jobLogger(job)

	song, err := e.store.GetSong(ctx, job.SongID)
	if err != nil {
		return fmt.Errorf("failed to load song: %w", err)
	}

	if !song.Status.IsTerminal() {
		err := e.store.UpdateStatus(ctx, job.SongID, model.SongStatusFailed)
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("failed to mark song failed: %w", err)
		}
		if err == nil {
			e.notify(job, model.SongStatusFailed)
		}
	}

	log.Error().Err(cause).Str("previous_status", string(song.Status)).Msg("song failed")
	return e.release(ctx, job)
}

// finish writes a terminal status through its own step and frees the owner.
func (e *Executor) finish(ctx context.Context, job Job, step string, status model.SongStatus) error {
	_, err := runStep(ctx, e, job, step, func(ctx context.Context) (SongUpdate, error) {
		if err := e.store.UpdateStatus(ctx, job.SongID, status); err != nil {
			return SongUpdate{}, err
		}
		return SongUpdate{Status: status}, nil
	})
	if err != nil {
		return err
	}
	if err := e.release(ctx, job); err != nil {
		return err
	}
	e.notify(job, status)
	return nil
}

func (e *Executor) release(ctx context.Context, job Job) error {
	if err := e.limiter.Release(ctx, job.UserID, job.SongID); err != nil {
		return fmt.Errorf("failed to release owner: %w", err)
	}
	return nil
}

func (e *Executor) notify(job Job, status model.SongStatus) {
	if e.notifier != nil {
		e.notifier.NotifyStatus(job.SongID, job.UserID, status)
	}
}

// Drain waits for detached dispatches to record their outcome or for ctx
// to end.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) jobLogger(job Job) zerolog.Logger {
	return e.log.With().Str("song_id", job.SongID).Str("user_id", job.UserID).Logger()
}

// runStep returns the recorded output of a finished step, or runs fn and
// records its output before returning.
func runStep[T any](ctx context.Context, e *Executor, job Job, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T

	rec, err := e.store.GetStep(ctx, job.SongID, name)
	switch {
	case err == nil && rec.State == store.StepDone:
		if len(rec.Output) > 0 {
			if err := json.Unmarshal(rec.Output, &out); err != nil {
				return out, fmt.Errorf("failed to decode step %s: %w", name, err)
			}
		}
		log := e.jobLogger(job)
		log.Debug().Str("step", name).Msg("step replayed")
		return out, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return out, fmt.Errorf("failed to read step %s: %w", name, err)
	}

	out, err = fn(ctx)
	if err != nil {
		return out, fmt.Errorf("step %s: %w", name, err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("failed to encode step %s: %w", name, err)
	}
	if err := e.store.SaveStep(ctx, &store.StepRecord{
		SongID: job.SongID,
		UserID: job.UserID,
		Step:   name,
		Output: raw,
	}); err != nil {
		return out, err
	}
	return out, nil
}
