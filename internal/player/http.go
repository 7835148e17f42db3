package player

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("player")

// HTTPClient is a Player backed by a Spotify-compatible Web API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL (e.g. "https://api.spotify.com/v1").
// timeout bounds every request on top of any context deadline.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SetVolume sets the active device's volume percentage.
func (c *HTTPClient) SetVolume(ctx context.Context, token string, volume int) error {
	q := url.Values{"volume_percent": {strconv.Itoa(volume)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/me/player/volume?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build volume request: %w", err)
	}
	resp, err := c.do(req, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// CurrentTrack returns the playing item, or nil when nothing is playing.
func (c *HTTPClient) CurrentTrack(ctx context.Context, token string) (*Track, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me/player/currently-playing", nil)
	if err != nil {
		return nil, fmt.Errorf("build track request: %w", err)
	}
	resp, err := c.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var body struct {
		IsPlaying bool `json:"is_playing"`
		Item      *struct {
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Album struct {
				Name   string `json:"name"`
				Images []struct {
					URL string `json:"url"`
				} `json:"images"`
			} `json:"album"`
		} `json:"item"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode current track: %w", err)
	}
	if body.Item == nil {
		return nil, nil
	}

	artists := make([]string, 0, len(body.Item.Artists))
	for _, a := range body.Item.Artists {
		artists = append(artists, a.Name)
	}
	t := &Track{
		Name:    body.Item.Name,
		Artist:  strings.Join(artists, ", "),
		Album:   body.Item.Album.Name,
		Playing: body.IsPlaying,
	}
	if len(body.Item.Album.Images) > 0 {
		t.ImageURL = body.Item.Album.Images[0].URL
	}
	return t, nil
}

func (c *HTTPClient) do(req *http.Request, token string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+token)
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("player request %s %s: %w", req.Method, req.URL.Path, err)
	}
	log.Debugw("player call", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); len(b) > 0 {
		if json.Unmarshal(b, &body) == nil && body.Error.Message != "" {
			apiErr.Message = body.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(b))
		}
	}
	return nil, apiErr
}
