// Package transcribe calls an external speech-to-text service over HTTP.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/soaringjerry/Elicit/internal/media"
	"github.com/soaringjerry/Elicit/internal/services"
)

type Config struct {
	Endpoint    string // e.g. "http://localhost:9000"
	APIKey      string
	CallbackURL string // when set the provider may answer 202 and post the text later
	Timeout     time.Duration
}

// Client implements services.Transcriber. With a media store the audio itself
// is uploaded; without one the provider is sent the reference only.
type Client struct {
	cfg   Config
	http  *http.Client
	media media.Store
}

var _ services.Transcriber = (*Client)(nil)

func New(cfg Config, m media.Store) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("transcriber endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, media: m}, nil
}

type jobRequest struct {
	MediaRef    string `json:"media_ref"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type jobResult struct {
	Text string `json:"text"`
}

func (c *Client) request(ctx context.Context, ref string) (*http.Request, error) {
	url := c.cfg.Endpoint + "/transcribe"
	if c.media == nil {
		body, err := json.Marshal(jobRequest{MediaRef: ref, CallbackURL: c.cfg.CallbackURL})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
	rc, ct, err := c.media.Open(ctx, ref)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("open media %s: %w", ref, err))
	}
	// the transport closes the body once sent
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Media-Ref", ref)
	if c.cfg.CallbackURL != "" {
		req.Header.Set("X-Callback-URL", c.cfg.CallbackURL)
	}
	return req, nil
}

// Transcribe returns the text for ref, or services.ErrAsyncTranscription when
// the provider accepted the job for a later callback. Client errors are
// permanent; server errors and throttling may be retried.
func (c *Client) Transcribe(ctx context.Context, ref string) (string, error) {
	req, err := c.request(ctx, ref)
	if err != nil {
		return "", err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call transcriber: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return "", services.ErrAsyncTranscription
	case resp.StatusCode == http.StatusOK:
		var out jobResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("failed to decode response: %w", err)
		}
		return strings.TrimSpace(out.Text), nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("transcriber error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return "", backoff.Permanent(err)
	}
	return "", err
}
