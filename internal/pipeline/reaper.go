package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songforge/internal/store"
)

// DefaultReaperGrace is added to the dispatch timeout before an inflight
// dispatch is considered lost
const DefaultReaperGrace = 2 * time.Minute

// Reaper recovers jobs whose continuation was lost: dispatches that never
// recorded an outcome, and recorded outcomes that were never resumed.
type Reaper struct {
	exec     *Executor
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewReaper creates a reaper sweeping every interval
func NewReaper(exec *Executor, interval time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		exec:     exec,
		interval: interval,
		grace:    DefaultReaperGrace,
		now:      time.Now,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one recovery pass and returns how many jobs it touched
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	touched := 0

	lost, err := r.exec.store.ListSteps(ctx, StepDispatch, store.StepInflight, now.Add(-(r.exec.dispatchTimeout + r.grace)))
	if err != nil {
		return touched, fmt.Errorf("failed to list inflight dispatches: %w", err)
	}
	for _, rec := range lost {
		job := Job{SongID: rec.SongID, UserID: rec.UserID}
		// the worker may still answer between the listing and this write
		if !r.exec.completeDispatch(ctx, job, DispatchOutcome{Error: "dispatch timed out"}) {
			continue
		}
		r.log.Warn().Str("song_id", rec.SongID).Time("claimed_at", rec.CreatedAt).Msg("dispatch lost, failed")
		touched++
	}

	stalled, err := r.exec.store.ListStalled(ctx, StepDispatch, StepUpdateSongResult, now.Add(-r.grace))
	if err != nil {
		return touched, fmt.Errorf("failed to list stalled dispatches: %w", err)
	}
	for _, rec := range stalled {
		job := Job{SongID: rec.SongID, UserID: rec.UserID}
		if err := r.exec.resumer.EnqueueResume(ctx, job); err != nil {
			r.log.Error().Err(err).Str("song_id", rec.SongID).Msg("failed to re-enqueue resume")
			continue
		}
		r.log.Info().Str("song_id", rec.SongID).Msg("resume re-enqueued")
		touched++
	}

	return touched, nil
}
