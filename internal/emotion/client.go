// Package emotion is a thin HTTP client for the emotion-analytics sidecar,
// configured via SENTRA_EMO_URL/SENTRA_EMO_TIMEOUT: a collaborator service,
// out of core scope, queried per turn for a per-user emotion summary
// rendered as XML.
package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config configures the sidecar endpoint.
type Config struct {
	URL     string        // SENTRA_EMO_URL
	Timeout time.Duration // SENTRA_EMO_TIMEOUT
}

// Client implements collab.EmotionClient.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client. A nil/empty Config.URL is valid: EmotionXML then
// always returns "", nil so a deployment without the sidecar degrades
// cleanly (the Context Assembler already treats an empty section as
// "omit").
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type emoRequest struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

type emoResponse struct {
	XML string `json:"xml"`
}

// EmotionXML implements collab.EmotionClient.
func (c *Client) EmotionXML(ctx context.Context, senderID, turnText string) (string, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", nil
	}

	body, err := json.Marshal(emoRequest{SenderID: senderID, Text: turnText})
	if err != nil {
		return "", fmt.Errorf("marshal emotion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build emotion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("emotion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("emotion sidecar returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read emotion response: %w", err)
	}

	var parsed emoResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse emotion response: %w", err)
	}
	return parsed.XML, nil
}
