// Package store defines the persistence surface of the song pipeline: song
// records, owner balances, categories and the per-song step ledger.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/makeasinger/songforge/internal/model"
)

var (
	// ErrNotFound is returned when a song or user does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status write would leave a
	// terminal state or skip the state machine
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StepState is the ledger state of one step
type StepState string

const (
	StepInflight StepState = "inflight"
	StepDone     StepState = "done"
)

// StepRecord is one ledger entry keyed by (SongID, Step)
type StepRecord struct {
	SongID    string          `json:"songId"`
	UserID    string          `json:"userId"`
	Step      string          `json:"step"`
	State     StepState       `json:"state"`
	Output    json.RawMessage `json:"output,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SongStore reads and writes song records and their owners
type SongStore interface {
	CreateSong(ctx context.Context, song *model.Song) error
	GetSong(ctx context.Context, songID string) (*model.Song, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// UpdateStatus applies a status transition guarded by model.CanTransition.
	UpdateStatus(ctx context.Context, songID string, status model.SongStatus) error

	// CompleteSong writes the result keys and moves the song to processed.
	CompleteSong(ctx context.Context, songID string, s3Key, thumbnailKey string) error

	// AttachCategories upserts each category by name and attaches it to the
	// song. Already attached categories are left alone.
	AttachCategories(ctx context.Context, songID string, names []string) error

	// IncrementListenCount bumps the play counter of a song.
	IncrementListenCount(ctx context.Context, songID string) error

	// SetPublished controls whether other users may play the song.
	SetPublished(ctx context.Context, songID string, published bool) error

	// ListSongsByUser returns the owner's songs, newest first, with their
	// categories.
	ListSongsByUser(ctx context.Context, userID string) ([]*model.Song, error)
}

// Ledger persists step completion so a replayed run skips finished steps
type Ledger interface {
	// GetStep returns ErrNotFound when the step has no record yet.
	GetStep(ctx context.Context, songID, step string) (*StepRecord, error)

	// SaveStep records the step as done with its output, replacing an
	// inflight marker if one exists.
	SaveStep(ctx context.Context, rec *StepRecord) error

	// FinishStep moves an inflight record to done with its output. It
	// returns false without writing when the record is not inflight.
	FinishStep(ctx context.Context, rec *StepRecord) (bool, error)

	// ClaimStep inserts an inflight marker. It returns false when a record
	// for the step already exists.
	ClaimStep(ctx context.Context, songID, userID, step string) (bool, error)

	// ListSteps returns records of the given step and state last updated
	// before the cutoff.
	ListSteps(ctx context.Context, step string, state StepState, before time.Time) ([]StepRecord, error)

	// ListStalled returns done records of step that have no record of next,
	// last updated before the cutoff.
	ListStalled(ctx context.Context, step, next string, before time.Time) ([]StepRecord, error)

	// DeductCreditOnce records the deduction step and decrements the
	// owner's balance by one in a single transaction. It returns false
	// without touching the balance when the step was already recorded.
	DeductCreditOnce(ctx context.Context, songID, userID, step string) (bool, error)
}

// Store is everything the pipeline and API need
type Store interface {
	SongStore
	Ledger
}

// NormalizeCategories trims names, drops empty ones and removes duplicates
// while keeping first-seen order.
func NormalizeCategories(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
