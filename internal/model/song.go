package model

import "time"

// Song is one generation request tracked through its lifecycle
type Song struct {
	ID     string     `json:"id"`
	UserID string     `json:"userId"`
	Title  string     `json:"title"`
	Status SongStatus `json:"status"`

	// Inputs, immutable once the song is created
	Prompt            *string  `json:"prompt,omitempty"`
	Lyrics            *string  `json:"lyrics,omitempty"`
	FullDescribedSong *string  `json:"fullDescribedSong,omitempty"`
	DescribedLyrics   *string  `json:"describedLyrics,omitempty"`
	GuidanceScale     *float64 `json:"guidanceScale,omitempty"`
	InferSteps        *int     `json:"inferSteps,omitempty"`
	AudioDuration     *float64 `json:"audioDuration,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
	Instrumental      *bool    `json:"instrumental,omitempty"`

	// Outputs, written once on success
	S3Key          *string  `json:"s3Key,omitempty"`
	ThumbnailS3Key *string  `json:"thumbnailS3Key,omitempty"`
	Categories     []string `json:"categories"`

	Published   bool      `json:"published"`
	ListenCount int       `json:"listenCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SongResult holds the fields written when generation succeeds
type SongResult struct {
	S3Key          string   `json:"s3Key"`
	ThumbnailS3Key string   `json:"thumbnailS3Key"`
	Categories     []string `json:"categories"`
}

// User is the owner of a song and holder of the credit balance
type User struct {
	ID      string `json:"id"`
	Credits int    `json:"credits"`
}

// Category groups songs by genre or mood
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
