package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/generation"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/pipeline"
	"github.com/makeasinger/songforge/internal/store"
)

var (
	ErrSongNotFound     = errors.New("song not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrForbidden        = errors.New("song belongs to another user")
	ErrNotPlayable      = errors.New("song has no audio yet")
	ErrStorageDisabled  = errors.New("storage not configured")
	ErrNoDispatchFields = generation.ErrNoRequestShape
)

// guidanceScales are queued as one song each per generate request
var guidanceScales = []float64{model.GuidanceScaleLow, model.GuidanceScaleHigh}

// GenerateEnqueuer schedules song:generate tasks
type GenerateEnqueuer interface {
	EnqueueGenerate(ctx context.Context, job pipeline.Job, opts ...asynq.Option) error
}

// SongService creates songs and serves their state
type SongService struct {
	store         store.SongStore
	enqueuer      GenerateEnqueuer
	presigner     client.Presigner
	presignExpiry time.Duration
	log           zerolog.Logger
}

// NewSongService creates a song service. presigner may be nil when object
// storage is not configured.
func NewSongService(st store.SongStore, enqueuer GenerateEnqueuer, presigner client.Presigner, presignExpiry time.Duration, log zerolog.Logger) *SongService {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	return &SongService{
		store:         st,
		enqueuer:      enqueuer,
		presigner:     presigner,
		presignExpiry: presignExpiry,
		log:           log.With().Str("component", "song_service").Logger(),
	}
}

// GenerateSongs queues one song per guidance scale for the request
func (s *SongService) GenerateSongs(ctx context.Context, userID string, req *model.GenerateSongRequest) (*model.GenerateSongResponse, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	categories := splitCategories(req.Category)
	title := deriveTitle(req)

	songs := make([]*model.Song, 0, len(guidanceScales))
	for _, scale := range guidanceScales {
		song := newSong(userID, title, req, scale)
		if _, err := generation.Build(song); err != nil {
			return nil, err
		}
		songs = append(songs, song)
	}

	// every row exists before anything is queued, and a failure closes all
	// of them so the request leaves no half of its variants behind
	var created []*model.Song
	for _, song := range songs {
		if err := s.store.CreateSong(ctx, song); err != nil {
			s.closeSongs(ctx, created)
			return nil, fmt.Errorf("failed to create song: %w", err)
		}
		created = append(created, song)
		if len(categories) > 0 {
			if err := s.store.AttachCategories(ctx, song.ID, categories); err != nil {
				s.closeSongs(ctx, created)
				return nil, fmt.Errorf("failed to attach categories: %w", err)
			}
			song.Categories = categories
		}
	}

	for i, song := range songs {
		job := pipeline.Job{SongID: song.ID, UserID: userID, EnqueuedAt: time.Now()}
		if err := s.enqueuer.EnqueueGenerate(ctx, job); err != nil {
			// a queued sibling sees the failed status and is skipped
			s.closeSongs(ctx, songs)
			return nil, fmt.Errorf("failed to enqueue song: %w", err)
		}
		s.log.Info().Str("song_id", song.ID).Str("user_id", userID).Float64("guidance_scale", *song.GuidanceScale).Int("variant", i).Msg("song queued")
	}

	return &model.GenerateSongResponse{Songs: songs}, nil
}

func (s *SongService) closeSongs(ctx context.Context, songs []*model.Song) {
	for _, song := range songs {
		if err := s.store.UpdateStatus(ctx, song.ID, model.SongStatusFailed); err != nil {
			s.log.Error().Err(err).Str("song_id", song.ID).Msg("failed to close unqueued song")
			continue
		}
		song.Status = model.SongStatusFailed
	}
}

// GetSong returns the state of a song owned by userID
func (s *SongService) GetSong(ctx context.Context, userID, songID string) (*model.SongStatusResponse, error) {
	song, err := s.loadSong(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.UserID != userID {
		return nil, ErrForbidden
	}

	categories := song.Categories
	if categories == nil {
		categories = []string{}
	}
	return &model.SongStatusResponse{
		SongID:         song.ID,
		Title:          song.Title,
		Status:         song.Status,
		S3Key:          song.S3Key,
		ThumbnailS3Key: song.ThumbnailS3Key,
		Categories:     categories,
	}, nil
}

// GetCredits returns the caller's balance
func (s *SongService) GetCredits(ctx context.Context, userID string) (*model.CreditsResponse, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &model.CreditsResponse{Credits: user.Credits}, nil
}

// PlayURL counts a listen and returns a temporary URL for the audio. Only
// the owner may play an unpublished song.
func (s *SongService) PlayURL(ctx context.Context, userID, songID string) (*model.PlayURLResponse, error) {
	song, err := s.loadSong(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.UserID != userID && !song.Published {
		return nil, ErrSongNotFound
	}
	if song.S3Key == nil || *song.S3Key == "" {
		return nil, ErrNotPlayable
	}
	if s.presigner == nil {
		return nil, ErrStorageDisabled
	}

	if err := s.store.IncrementListenCount(ctx, songID); err != nil {
		return nil, fmt.Errorf("failed to count listen: %w", err)
	}

	url, err := s.presigner.GetSignedURL(ctx, *song.S3Key, s.presignExpiry)
	if err != nil {
		return nil, err
	}
	return &model.PlayURLResponse{URL: url, ExpiresIn: int(s.presignExpiry.Seconds())}, nil
}

// ListSongs returns the caller's songs, newest first. Thumbnails get a
// temporary URL when storage is configured.
func (s *SongService) ListSongs(ctx context.Context, userID string) (*model.SongListResponse, error) {
	songs, err := s.store.ListSongsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}

	resp := &model.SongListResponse{Songs: make([]model.SongListItem, 0, len(songs))}
	for _, song := range songs {
		if song.Categories == nil {
			song.Categories = []string{}
		}
		item := model.SongListItem{Song: song}
		if s.presigner != nil && song.ThumbnailS3Key != nil && *song.ThumbnailS3Key != "" {
			url, err := s.presigner.GetSignedURL(ctx, *song.ThumbnailS3Key, s.presignExpiry)
			if err != nil {
				s.log.Warn().Err(err).Str("song_id", song.ID).Msg("failed to sign thumbnail")
			} else {
				item.ThumbnailURL = url
			}
		}
		resp.Songs = append(resp.Songs, item)
	}
	return resp, nil
}

// Publish lets other users play the song
func (s *SongService) Publish(ctx context.Context, userID, songID string) (*model.PublishResponse, error) {
	return s.setPublished(ctx, userID, songID, true)
}

// Unpublish restricts playback to the owner again
func (s *SongService) Unpublish(ctx context.Context, userID, songID string) (*model.PublishResponse, error) {
	return s.setPublished(ctx, userID, songID, false)
}

func (s *SongService) setPublished(ctx context.Context, userID, songID string, published bool) (*model.PublishResponse, error) {
	song, err := s.loadSong(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.UserID != userID {
		return nil, ErrForbidden
	}

	if err := s.store.SetPublished(ctx, songID, published); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSongNotFound
		}
		return nil, fmt.Errorf("failed to set published: %w", err)
	}

	s.log.Info().Str("song_id", songID).Bool("published", published).Msg("song visibility changed")
	return &model.PublishResponse{SongID: songID, Published: published}, nil
}

// SongStatus returns the current status, used to seed status streams
func (s *SongService) SongStatus(ctx context.Context, userID, songID string) (model.SongStatus, error) {
	resp, err := s.GetSong(ctx, userID, songID)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (s *SongService) loadSong(ctx context.Context, songID string) (*model.Song, error) {
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSongNotFound
		}
		return nil, fmt.Errorf("failed to load song: %w", err)
	}
	return song, nil
}

func newSong(userID, title string, req *model.GenerateSongRequest, scale float64) *model.Song {
	duration := model.DefaultAudioDuration
	g := scale
	return &model.Song{
		ID:                uuid.New().String(),
		UserID:            userID,
		Title:             title,
		Status:            model.SongStatusQueued,
		Prompt:            optional(req.Prompt),
		Lyrics:            optional(req.Lyrics),
		FullDescribedSong: optional(req.FullDescribedSong),
		DescribedLyrics:   optional(req.DescribedLyrics),
		GuidanceScale:     &g,
		AudioDuration:     &duration,
		Instrumental:      req.Instrumental,
	}
}

// deriveTitle uses the explicit title, otherwise the description the song
// was generated from with its first letter upper-cased.
func deriveTitle(req *model.GenerateSongRequest) string {
	if t := strings.TrimSpace(req.Title); t != "" {
		return t
	}

	title := "Untitled"
	if req.DescribedLyrics != "" {
		title = req.DescribedLyrics
	}
	if req.FullDescribedSong != "" {
		title = req.FullDescribedSong
	}

	r, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(r)) + title[size:]
}

func splitCategories(raw string) []string {
	if raw == "" {
		return nil
	}
	return store.NormalizeCategories(strings.Split(raw, ","))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
