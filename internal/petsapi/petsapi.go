package petsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"pawpulse-live/internal/telemetry"
)

const maxBody = 1 << 20

// Pet is the part of the backend's pet record the live ward needs.
type Pet struct {
	ID      telemetry.EntityID `json:"id"`
	Name    string             `json:"name"`
	Species string             `json:"species,omitempty"`
}

func (p *Pet) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      any    `json:"id"`
		Name    string `json:"name"`
		Species string `json:"species"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var id string
	switch v := raw.ID.(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Errorf("pet id: unsupported value %v", raw.ID)
	}
	eid, err := telemetry.ParseEntityID(id)
	if err != nil {
		return fmt.Errorf("pet id: %w", err)
	}
	*p = Pet{ID: eid, Name: raw.Name, Species: raw.Species}
	return nil
}

// Client fetches the pet list the ward shows on mount.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
}

// NewClient returns a client for the pets endpoint at url. token is sent as a
// bearer token when set.
func NewClient(url, token string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		url:   url,
		token: token,
	}
}

// ListPets retrieves the pets visible to the configured token.
func (c *Client) ListPets(ctx context.Context) ([]Pet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pets: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read pets response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pets API returned status %d: %s", resp.StatusCode, string(body))
	}

	var pets []Pet
	if err := json.Unmarshal(body, &pets); err != nil {
		return nil, fmt.Errorf("parse pets response: %w", err)
	}
	return pets, nil
}
