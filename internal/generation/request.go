// Package generation maps a song snapshot to the request sent to the
// generation worker.
package generation

import (
	"errors"

	"github.com/makeasinger/songforge/internal/model"
)

// Endpoint names one of the worker's generation routes
type Endpoint string

const (
	EndpointDescribeFullSong            Endpoint = "describe-full-song"
	EndpointGenerateWithLyrics          Endpoint = "generate-with-lyrics"
	EndpointGenerateFromDescribedLyrics Endpoint = "generate-from-described-lyrics"
)

// ErrNoRequestShape is returned when a song matches none of the three
// request shapes. Retrying will not help since inputs never change.
var ErrNoRequestShape = errors.New("song matches no generation request shape")

// Payload is the JSON body posted to the worker. Unset fields are omitted
// so the worker applies its own defaults.
type Payload struct {
	FullDescribedSong *string  `json:"full_described_song,omitempty"`
	Lyrics            *string  `json:"lyrics,omitempty"`
	DescribedLyrics   *string  `json:"described_lyrics,omitempty"`
	Prompts           *string  `json:"prompts,omitempty"`
	GuidanceScale     *float64 `json:"guidance_scale,omitempty"`
	InferSteps        *int     `json:"infer_steps,omitempty"`
	AudioDuration     *float64 `json:"audio_duration,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
	Instrumental      *bool    `json:"instrumental,omitempty"`
}

// Request pairs the resolved endpoint with its payload
type Request struct {
	Endpoint Endpoint `json:"endpoint"`
	Payload  Payload  `json:"payload"`
}

// Build selects the request shape for a song. The order is fixed: a full
// description wins over lyrics+prompt, which wins over described
// lyrics+prompt.
func Build(song *model.Song) (*Request, error) {
	p := commonParams(song)

	switch {
	case present(song.FullDescribedSong):
		p.FullDescribedSong = clone(song.FullDescribedSong)
		return &Request{Endpoint: EndpointDescribeFullSong, Payload: p}, nil

	case present(song.Lyrics) && present(song.Prompt):
		p.Lyrics = clone(song.Lyrics)
		p.Prompts = clone(song.Prompt)
		return &Request{Endpoint: EndpointGenerateWithLyrics, Payload: p}, nil

	case present(song.DescribedLyrics) && present(song.Prompt):
		p.DescribedLyrics = clone(song.DescribedLyrics)
		p.Prompts = clone(song.Prompt)
		return &Request{Endpoint: EndpointGenerateFromDescribedLyrics, Payload: p}, nil
	}

	return nil, ErrNoRequestShape
}

func commonParams(song *model.Song) Payload {
	return Payload{
		GuidanceScale: clone(song.GuidanceScale),
		InferSteps:    clone(song.InferSteps),
		AudioDuration: clone(song.AudioDuration),
		Seed:          clone(song.Seed),
		Instrumental:  clone(song.Instrumental),
	}
}

func present(s *string) bool {
	return s != nil && *s != ""
}

// clone copies the pointee so the payload never aliases the song record.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
