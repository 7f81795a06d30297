package model

// GenerateSongRequest is the body of POST /api/songs/generate
type GenerateSongRequest struct {
	Title             string `json:"title" validate:"omitempty,max=200"`
	Prompt            string `json:"prompt" validate:"omitempty,max=2000"`
	Lyrics            string `json:"lyrics" validate:"omitempty,max=10000"`
	FullDescribedSong string `json:"fullDescribedSong" validate:"omitempty,max=2000"`
	DescribedLyrics   string `json:"describedLyrics" validate:"omitempty,max=4000"`
	Instrumental      *bool  `json:"instrumental"`
	Category          string `json:"category" validate:"omitempty,max=500"`
}

// GenerateSongResponse lists the songs queued for one request
type GenerateSongResponse struct {
	Songs []*Song `json:"songs"`
}

// SongStatusResponse is returned by GET /api/songs/:songId
type SongStatusResponse struct {
	SongID         string     `json:"songId"`
	Title          string     `json:"title"`
	Status         SongStatus `json:"status"`
	S3Key          *string    `json:"s3Key,omitempty"`
	ThumbnailS3Key *string    `json:"thumbnailS3Key,omitempty"`
	Categories     []string   `json:"categories"`
}

// SongListItem is one entry of GET /api/songs
type SongListItem struct {
	*Song
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// SongListResponse is returned by GET /api/songs
type SongListResponse struct {
	Songs []SongListItem `json:"songs"`
}

// PublishResponse is returned by the publish and unpublish routes
type PublishResponse struct {
	SongID    string `json:"songId"`
	Published bool   `json:"published"`
}

// CreditsResponse is returned by GET /api/user/credits
type CreditsResponse struct {
	Credits int `json:"credits"`
}

// PlayURLResponse is returned by GET /api/songs/:songId/play
type PlayURLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}
