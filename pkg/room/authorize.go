package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Grant is the authorization result mapping a logical reference to a room
// identity, the server's serialized document state, and a session token.
type Grant struct {
	Room    GrantRoom    `json:"room"`
	Session GrantSession `json:"session"`
}

type GrantRoom struct {
	ID    string `json:"id"`
	State []byte `json:"state"`
}

type GrantSession struct {
	Token string `json:"token"`
}

// authorize exchanges the logical reference for a room identity and session
// token. Any non-200 response is a failure; the caller decides whether to
// degrade offline.
func (r *Room) authorize(ctx context.Context) (*Grant, error) {
	base, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	body, err := json.Marshal(map[string]interface{}{"reference": r.cfg.Reference})
	if err != nil {
		return nil, fmt.Errorf("failed to encode authorize request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("authorize").String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build authorize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("failed to decode authorize response: %w", err)
	}
	if grant.Room.ID == "" {
		return nil, fmt.Errorf("authorize response carried no room id")
	}
	return &grant, nil
}

// socketURL derives the websocket endpoint for a room from the base url.
func (r *Room) socketURL(roomID string) (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("rooms", roomID, "socket").String(), nil
}
