// Package player talks to the music player whose volume is being shared.
package player

import (
	"context"
	"fmt"
)

// Track is the currently playing item, as far as the player reports it.
type Track struct {
	Name     string `json:"name"`
	Artist   string `json:"artist"`
	Album    string `json:"album,omitempty"`
	ImageURL string `json:"image,omitempty"`
	Playing  bool   `json:"isPlaying"`
}

// Player is the external player API. token is the owner's access token.
type Player interface {
	SetVolume(ctx context.Context, token string, volume int) error
	CurrentTrack(ctx context.Context, token string) (*Track, error)
}

// APIError is a non-2xx response from the player API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("player api: status %d", e.Status)
	}
	return fmt.Sprintf("player api: status %d: %s", e.Status, e.Message)
}
