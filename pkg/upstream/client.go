package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arkadas/chaton2api/pkg/config"
)

// Header values the upstream expects on every streaming call.
const (
	userAgent      = "ChatOn_Android/1.53.502"
	acceptLanguage = "en-US"
	clientTimeZone = "-05:00"
	clientOptions  = "hb"
)

// StatusError is a non-200 answer from the upstream.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// TransportError is a network-level failure talking to the upstream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client performs the outbound calls: the streaming POST, the storage
// indirection lookup, and plain binary downloads.
type Client struct {
	streamURL  string
	storageURL string
	creds      CredentialProvider
	httpClient *http.Client
}

func NewClient(cfg config.UpstreamConfig, creds CredentialProvider) *Client {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	return &Client{
		streamURL:  cfg.StreamURL,
		storageURL: cfg.StorageURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

// Stream obtains a fresh credential for the payload and POSTs it to the
// streaming endpoint. The caller owns the returned body and must close it.
func (c *Client) Stream(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	cred, err := c.creds.Credentials(ctx, payload)
	if err != nil {
		var ce *CredentialError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CredentialError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("Client-time-zone", clientTimeZone)
	req.Header.Set("X-Cl-Options", clientOptions)
	req.Header.Set("Authorization", cred.Authorization)
	req.Header.Set("Date", cred.Date)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return resp.Body, nil
}

// ResolveStorage translates an internal storage key into the final
// downloadable URL via the getUrl indirection.
func (c *Client) ResolveStorage(ctx context.Context, key string) (string, error) {
	body, err := c.get(ctx, c.storageURL+strings.TrimPrefix(key, "/"))
	if err != nil {
		return "", err
	}
	var lookup struct {
		GetURL string `json:"getUrl"`
	}
	if err := json.Unmarshal(body, &lookup); err != nil {
		return "", fmt.Errorf("parse storage response: %w", err)
	}
	if lookup.GetURL == "" {
		return "", fmt.Errorf("storage response missing getUrl")
	}
	return lookup.GetURL, nil
}

// Download fetches the final binary content behind a resolved URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}
