// Package memory is an in-process implementation of store.Store used by
// tests and local runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
)

type ledgerKey struct {
	songID string
	step   string
}

// Store keeps everything in maps guarded by one mutex
type Store struct {
	mu         sync.Mutex
	songs      map[string]*model.Song
	users      map[string]*model.User
	categories map[string]string // name -> id
	attached   map[string]map[string]struct{}
	steps      map[ledgerKey]*store.StepRecord

	// Fault, when set, is consulted before every operation and its error
	// returned if non-nil.
	Fault func(op string) error

	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		songs:      make(map[string]*model.Song),
		users:      make(map[string]*model.User),
		categories: make(map[string]string),
		attached:   make(map[string]map[string]struct{}),
		steps:      make(map[ledgerKey]*store.StepRecord),
		now:        time.Now,
	}
}

// PutUser inserts or replaces a user
func (s *Store) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// PutCategory seeds an existing category
func (s *Store) PutCategory(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.categories[name]; !ok {
		s.categories[name] = uuid.New().String()
	}
}

// CategoryCount returns how many distinct categories exist
func (s *Store) CategoryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.categories)
}

// Songs returns a snapshot of every stored song
func (s *Store) Songs() []model.Song {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Song, 0, len(s.songs))
	for _, song := range s.songs {
		out = append(out, *song)
	}
	return out
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) fault(op string) error {
	if s.Fault == nil {
		return nil
	}
	return s.Fault(op)
}

func (s *Store) CreateSong(ctx context.Context, song *model.Song) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateSong"); err != nil {
		return err
	}
	if song.ID == "" {
		song.ID = uuid.New().String()
	}
	if song.Status == "" {
		song.Status = model.SongStatusQueued
	}
	now := s.now()
	song.CreatedAt, song.UpdatedAt = now, now
	cp := *song
	cp.Categories = nil
	s.songs[song.ID] = &cp
	return nil
}

func (s *Store) GetSong(ctx context.Context, songID string) (*model.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetSong"); err != nil {
		return nil, err
	}
	song, ok := s.songs[songID]
	if !ok {
		return nil, fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	cp := *song
	cp.Categories = s.categoryNames(songID)
	return &cp, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetUser"); err != nil {
		return nil, err
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateStatus(ctx context.Context, songID string, status model.SongStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpdateStatus"); err != nil {
		return err
	}
	song, ok := s.songs[songID]
	if !ok {
		return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	if !model.CanTransition(song.Status, status) {
		return fmt.Errorf("%s -> %s: %w", song.Status, status, store.ErrInvalidTransition)
	}
	song.Status = status
	song.UpdatedAt = s.now()
	return nil
}

func (s *Store) CompleteSong(ctx context.Context, songID string, s3Key, thumbnailKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CompleteSong"); err != nil {
		return err
	}
	song, ok := s.songs[songID]
	if !ok {
		return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	if !model.CanTransition(song.Status, model.SongStatusProcessed) {
		return fmt.Errorf("%s -> %s: %w", song.Status, model.SongStatusProcessed, store.ErrInvalidTransition)
	}
	song.Status = model.SongStatusProcessed
	song.S3Key = &s3Key
	song.ThumbnailS3Key = &thumbnailKey
	song.UpdatedAt = s.now()
	return nil
}

func (s *Store) AttachCategories(ctx context.Context, songID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AttachCategories"); err != nil {
		return err
	}
	if _, ok := s.songs[songID]; !ok {
		return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	set := s.attached[songID]
	if set == nil {
		set = make(map[string]struct{})
		s.attached[songID] = set
	}
	for _, name := range store.NormalizeCategories(names) {
		id, ok := s.categories[name]
		if !ok {
			id = uuid.New().String()
			s.categories[name] = id
		}
		set[id] = struct{}{}
	}
	return nil
}

func (s *Store) IncrementListenCount(ctx context.Context, songID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("IncrementListenCount"); err != nil {
		return err
	}
	song, ok := s.songs[songID]
	if !ok {
		return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	song.ListenCount++
	return nil
}

func (s *Store) SetPublished(ctx context.Context, songID string, published bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetPublished"); err != nil {
		return err
	}
	song, ok := s.songs[songID]
	if !ok {
		return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	song.Published = published
	song.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListSongsByUser(ctx context.Context, userID string) ([]*model.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListSongsByUser"); err != nil {
		return nil, err
	}
	out := make([]*model.Song, 0)
	for id, song := range s.songs {
		if song.UserID != userID {
			continue
		}
		cp := *song
		cp.Categories = s.categoryNames(id)
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetStep(ctx context.Context, songID, step string) (*store.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetStep"); err != nil {
		return nil, err
	}
	rec, ok := s.steps[ledgerKey{songID, step}]
	if !ok {
		return nil, fmt.Errorf("step %s/%s: %w", songID, step, store.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) SaveStep(ctx context.Context, rec *store.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SaveStep"); err != nil {
		return err
	}
	now := s.now()
	key := ledgerKey{rec.SongID, rec.Step}
	cp := *rec
	cp.State = store.StepDone
	cp.UpdatedAt = now
	if prev, ok := s.steps[key]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	s.steps[key] = &cp
	return nil
}

func (s *Store) FinishStep(ctx context.Context, rec *store.StepRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("FinishStep"); err != nil {
		return false, err
	}
	prev, ok := s.steps[ledgerKey{rec.SongID, rec.Step}]
	if !ok || prev.State != store.StepInflight {
		return false, nil
	}
	prev.State = store.StepDone
	prev.Output = append([]byte(nil), rec.Output...)
	prev.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ClaimStep(ctx context.Context, songID, userID, step string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ClaimStep"); err != nil {
		return false, err
	}
	key := ledgerKey{songID, step}
	if _, ok := s.steps[key]; ok {
		return false, nil
	}
	now := s.now()
	s.steps[key] = &store.StepRecord{
		SongID:    songID,
		UserID:    userID,
		Step:      step,
		State:     store.StepInflight,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *Store) ListSteps(ctx context.Context, step string, state store.StepState, before time.Time) ([]store.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListSteps"); err != nil {
		return nil, err
	}
	var out []store.StepRecord
	for key, rec := range s.steps {
		if key.step == step && rec.State == state && rec.UpdatedAt.Before(before) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) ListStalled(ctx context.Context, step, next string, before time.Time) ([]store.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListStalled"); err != nil {
		return nil, err
	}
	var out []store.StepRecord
	for key, rec := range s.steps {
		if key.step != step || rec.State != store.StepDone || !rec.UpdatedAt.Before(before) {
			continue
		}
		if _, ok := s.steps[ledgerKey{key.songID, next}]; ok {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) DeductCreditOnce(ctx context.Context, songID, userID, step string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeductCreditOnce"); err != nil {
		return false, err
	}
	key := ledgerKey{songID, step}
	if _, ok := s.steps[key]; ok {
		return false, nil
	}
	u, ok := s.users[userID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	u.Credits--
	now := s.now()
	s.steps[key] = &store.StepRecord{
		SongID:    songID,
		UserID:    userID,
		Step:      step,
		State:     store.StepDone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *Store) categoryNames(songID string) []string {
	set := s.attached[songID]
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name, id := range s.categories {
		if _, ok := set[id]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

var _ store.Store = (*Store)(nil)
