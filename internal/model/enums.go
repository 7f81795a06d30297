package model

// Song status
type SongStatus string

const (
	SongStatusQueued     SongStatus = "queued"
	SongStatusProcessing SongStatus = "processing"
	SongStatusProcessed  SongStatus = "processed"
	SongStatusFailed     SongStatus = "failed"
	SongStatusNoCredits  SongStatus = "no_credits"
)

var ValidSongStatuses = []SongStatus{
	SongStatusQueued, SongStatusProcessing, SongStatusProcessed,
	SongStatusFailed, SongStatusNoCredits,
}

// IsTerminal reports whether no further transition may leave s.
func (s SongStatus) IsTerminal() bool {
	switch s {
	case SongStatusProcessed, SongStatusFailed, SongStatusNoCredits:
		return true
	}
	return false
}

// IsActive reports whether s counts against the owner's concurrency slot.
func (s SongStatus) IsActive() bool {
	return s == SongStatusProcessing
}

var transitions = map[SongStatus][]SongStatus{
	SongStatusQueued:     {SongStatusProcessing, SongStatusFailed, SongStatusNoCredits},
	SongStatusProcessing: {SongStatusProcessed, SongStatusFailed},
}

// CanTransition reports whether a song may move from one status to another.
// Writing the current status again is allowed so replayed steps stay no-ops.
func CanTransition(from, to SongStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Default guidance scales used when a single request queues two variants
const (
	GuidanceScaleLow  = 7.5
	GuidanceScaleHigh = 15.0
)

// DefaultAudioDuration is the length in seconds requested for new songs
const DefaultAudioDuration = 180.0
