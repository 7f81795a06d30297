// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
)

// NewPool opens a pgx pool and verifies the connection
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Store implements store.Store
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateSong(ctx context.Context, song *model.Song) error {
	if song.ID == "" {
		song.ID = uuid.New().String()
	}
	if song.Status == "" {
		song.Status = model.SongStatusQueued
	}

	const q = `
INSERT INTO songs (id, user_id, title, status, prompt, lyrics, full_described_song, described_lyrics,
                   guidance_scale, infer_steps, audio_duration, seed, instrumental)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING created_at, updated_at;
`
	err := s.pool.QueryRow(ctx, q,
		song.ID,
		song.UserID,
		song.Title,
		string(song.Status),
		song.Prompt,
		song.Lyrics,
		song.FullDescribedSong,
		song.DescribedLyrics,
		song.GuidanceScale,
		song.InferSteps,
		song.AudioDuration,
		song.Seed,
		song.Instrumental,
	).Scan(&song.CreatedAt, &song.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert song: %w", err)
	}
	return nil
}

const songColumns = `
id, user_id, title, status, prompt, lyrics, full_described_song, described_lyrics,
guidance_scale, infer_steps, audio_duration, seed, instrumental,
s3_key, thumbnail_s3_key, published, listen_count, created_at, updated_at,
COALESCE((SELECT array_agg(c.name ORDER BY c.name)
          FROM song_categories sc JOIN categories c ON c.id = sc.category_id
          WHERE sc.song_id = songs.id), '{}')`

func scanSong(row pgx.Row) (*model.Song, error) {
	var (
		song   model.Song
		status string
	)
	err := row.Scan(
		&song.ID,
		&song.UserID,
		&song.Title,
		&status,
		&song.Prompt,
		&song.Lyrics,
		&song.FullDescribedSong,
		&song.DescribedLyrics,
		&song.GuidanceScale,
		&song.InferSteps,
		&song.AudioDuration,
		&song.Seed,
		&song.Instrumental,
		&song.S3Key,
		&song.ThumbnailS3Key,
		&song.Published,
		&song.ListenCount,
		&song.CreatedAt,
		&song.UpdatedAt,
		&song.Categories,
	)
	if err != nil {
		return nil, err
	}
	song.Status = model.SongStatus(status)
	return &song, nil
}

func (s *Store) GetSong(ctx context.Context, songID string) (*model.Song, error) {
	song, err := scanSong(s.pool.QueryRow(ctx, `SELECT `+songColumns+` FROM songs WHERE id = $1;`, songID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get song: %w", err)
	}
	return song, nil
}

func (s *Store) ListSongsByUser(ctx context.Context, userID string) ([]*model.Song, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+songColumns+` FROM songs WHERE user_id = $1 ORDER BY created_at DESC, id DESC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}
	defer rows.Close()

	songs := make([]*model.Song, 0)
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan song: %w", err)
		}
		songs = append(songs, song)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}
	return songs, nil
}

func (s *Store) SetPublished(ctx context.Context, songID string, published bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE songs SET published = $2, updated_at = NOW() WHERE id = $1;`, songID, published)
	if err != nil {
		return fmt.Errorf("failed to set published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx, `SELECT id, credits FROM users WHERE id = $1;`, userID).Scan(&u.ID, &u.Credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) UpdateStatus(ctx context.Context, songID string, status model.SongStatus) error {
	return s.transition(ctx, songID, status, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE songs SET status = $2, updated_at = NOW() WHERE id = $1;`, songID, string(status))
		return err
	})
}

func (s *Store) CompleteSong(ctx context.Context, songID string, s3Key, thumbnailKey string) error {
	return s.transition(ctx, songID, model.SongStatusProcessed, func(tx pgx.Tx) error {
		const q = `
UPDATE songs
SET status = $2, s3_key = $3, thumbnail_s3_key = $4, updated_at = NOW()
WHERE id = $1;
`
		_, err := tx.Exec(ctx, q, songID, string(model.SongStatusProcessed), s3Key, thumbnailKey)
		return err
	})
}

// transition locks the song row, checks the state machine and runs write.
func (s *Store) transition(ctx context.Context, songID string, to model.SongStatus, write func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM songs WHERE id = $1 FOR UPDATE;`, songID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to lock song: %w", err)
		}
		from := model.SongStatus(current)
		if !model.CanTransition(from, to) {
			return fmt.Errorf("%s -> %s: %w", from, to, store.ErrInvalidTransition)
		}
		if err := write(tx); err != nil {
			return fmt.Errorf("failed to update song: %w", err)
		}
		return nil
	})
}

func (s *Store) AttachCategories(ctx context.Context, songID string, names []string) error {
	names = store.NormalizeCategories(names)
	if len(names) == 0 {
		return nil
	}

	const upsert = `
INSERT INTO categories (id, name) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id;
`
	const attach = `
INSERT INTO song_categories (song_id, category_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING;
`
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, name := range names {
			var id string
			if err := tx.QueryRow(ctx, upsert, uuid.New().String(), name).Scan(&id); err != nil {
				return fmt.Errorf("failed to upsert category %q: %w", name, err)
			}
			if _, err := tx.Exec(ctx, attach, songID, id); err != nil {
				return fmt.Errorf("failed to attach category %q: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) IncrementListenCount(ctx context.Context, songID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE songs SET listen_count = listen_count + 1 WHERE id = $1;`, songID)
	if err != nil {
		return fmt.Errorf("failed to increment listen count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("song %s: %w", songID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetStep(ctx context.Context, songID, step string) (*store.StepRecord, error) {
	const q = `
SELECT song_id, user_id, step, state, output, created_at, updated_at
FROM song_steps
WHERE song_id = $1 AND step = $2;
`
	rec, err := scanStep(s.pool.QueryRow(ctx, q, songID, step))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("step %s/%s: %w", songID, step, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return rec, nil
}

func (s *Store) SaveStep(ctx context.Context, rec *store.StepRecord) error {
	const q = `
INSERT INTO song_steps (song_id, user_id, step, state, output)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (song_id, step) DO UPDATE
SET state = EXCLUDED.state, output = EXCLUDED.output, updated_at = NOW();
`
	_, err := s.pool.Exec(ctx, q, rec.SongID, rec.UserID, rec.Step, string(store.StepDone), nullableJSON(rec.Output))
	if err != nil {
		return fmt.Errorf("failed to save step %s: %w", rec.Step, err)
	}
	return nil
}

func (s *Store) FinishStep(ctx context.Context, rec *store.StepRecord) (bool, error) {
	const q = `
UPDATE song_steps
SET state = $3, output = $4, updated_at = NOW()
WHERE song_id = $1 AND step = $2 AND state = $5;
`
	tag, err := s.pool.Exec(ctx, q, rec.SongID, rec.Step, string(store.StepDone), nullableJSON(rec.Output), string(store.StepInflight))
	if err != nil {
		return false, fmt.Errorf("failed to finish step %s: %w", rec.Step, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClaimStep(ctx context.Context, songID, userID, step string) (bool, error) {
	const q = `
INSERT INTO song_steps (song_id, user_id, step, state)
VALUES ($1, $2, $3, $4)
ON CONFLICT (song_id, step) DO NOTHING;
`
	tag, err := s.pool.Exec(ctx, q, songID, userID, step, string(store.StepInflight))
	if err != nil {
		return false, fmt.Errorf("failed to claim step %s: %w", step, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListSteps(ctx context.Context, step string, state store.StepState, before time.Time) ([]store.StepRecord, error) {
	const q = `
SELECT song_id, user_id, step, state, output, created_at, updated_at
FROM song_steps
WHERE step = $1 AND state = $2 AND updated_at < $3
ORDER BY updated_at
LIMIT 500;
`
	rows, err := s.pool.Query(ctx, q, step, string(state), before)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []store.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) ListStalled(ctx context.Context, step, next string, before time.Time) ([]store.StepRecord, error) {
	const q = `
SELECT s.song_id, s.user_id, s.step, s.state, s.output, s.created_at, s.updated_at
FROM song_steps s
WHERE s.step = $1 AND s.state = $3 AND s.updated_at < $4
  AND NOT EXISTS (SELECT 1 FROM song_steps n WHERE n.song_id = s.song_id AND n.step = $2)
ORDER BY s.updated_at
LIMIT 500;
`
	rows, err := s.pool.Query(ctx, q, step, next, string(store.StepDone), before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled steps: %w", err)
	}
	defer rows.Close()

	var out []store.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) DeductCreditOnce(ctx context.Context, songID, userID, step string) (bool, error) {
	var deducted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const record = `
INSERT INTO song_steps (song_id, user_id, step, state)
VALUES ($1, $2, $3, $4)
ON CONFLICT (song_id, step) DO NOTHING;
`
		tag, err := tx.Exec(ctx, record, songID, userID, step, string(store.StepDone))
		if err != nil {
			return fmt.Errorf("failed to record deduction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		tag, err = tx.Exec(ctx, `UPDATE users SET credits = credits - 1 WHERE id = $1;`, userID)
		if err != nil {
			return fmt.Errorf("failed to decrement credits: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
		}
		deducted = true
		return nil
	})
	return deducted, err
}

func scanStep(row pgx.Row) (*store.StepRecord, error) {
	var (
		rec    store.StepRecord
		state  string
		output []byte
	)
	if err := row.Scan(&rec.SongID, &rec.UserID, &rec.Step, &state, &output, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.State = store.StepState(state)
	if output != nil {
		rec.Output = json.RawMessage(output)
	}
	return &rec, nil
}

func nullableJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ store.Store = (*Store)(nil)
