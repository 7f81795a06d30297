package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage is pushed whenever a song changes status
type WSStatusMessage struct {
	Type   string     `json:"type"`
	SongID string     `json:"songId"`
	Status SongStatus `json:"status"`
}
