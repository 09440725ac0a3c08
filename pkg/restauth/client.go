package restauth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Client posts signed messages to a remote server, tracking the clock
// delta between the two machines. On an authentication failure it
// refreshes the delta through the time-delta endpoint and retries once.
type Client struct {
	mu            sync.Mutex
	baseURL       string
	secret        []byte
	timeDelta     int64
	timeDeltaPath string
	httpClient    *http.Client
	logger        *logrus.Logger
}

// NewClient creates a client for the given scheme and host. The secret
// may be reconfigured later; requests fail until one is set.
func NewClient(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		timeDeltaPath: DefaultTimeDeltaPath,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Reconfigure updates the destination and secret, typically after a
// configuration reload.
func (c *Client) Reconfigure(baseURL string, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.secret = append([]byte(nil), secret...)
}

// PostJSON marshals payload, signs it, and posts it to path. The decoded
// JSON response object is returned.
func (c *Client) PostJSON(path string, payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("restauth: marshal payload: %w", err)
	}

	return c.PostRaw(path, raw)
}

// PostRaw signs an already-encoded payload (JSON or binary) and posts it
// to path, returning the decoded JSON response object.
func (c *Client) PostRaw(path string, payload []byte) (map[string]any, error) {
	response, status, err := c.post(path, payload)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		if err := c.refreshTimeDelta(); err != nil {
			return nil, err
		}

		response, status, err = c.post(path, payload)
		if err != nil {
			return nil, err
		}
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("restauth: %s returned status %d", path, status)
	}

	var object map[string]any
	if err := json.Unmarshal(response, &object); err != nil {
		return nil, fmt.Errorf("restauth: %s: expected JSON object: %w", path, err)
	}

	return object, nil
}

func (c *Client) post(path string, payload []byte) ([]byte, int, error) {
	c.mu.Lock()
	baseURL := c.baseURL
	secret := c.secret
	delta := c.timeDelta
	c.mu.Unlock()

	if len(secret) != SecretLength {
		return nil, 0, fmt.Errorf("restauth: no outbound secret configured")
	}

	sealed, err := Seal(secret, payload, Now().Unix()+delta)
	if err != nil {
		return nil, 0, err
	}

	url := baseURL + "/" + strings.TrimLeft(path, "/")
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(sealed))
	if err != nil {
		return nil, 0, fmt.Errorf("restauth: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("restauth: read response from %s: %w", url, err)
	}

	return body, resp.StatusCode, nil
}

func (c *Client) refreshTimeDelta() error {
	c.mu.Lock()
	baseURL := c.baseURL
	c.mu.Unlock()

	request, err := json.Marshal(map[string]int64{"timestamp": Now().Unix()})
	if err != nil {
		return err
	}

	url := baseURL + strings.TrimRight(c.timeDeltaPath, "/")
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(request))
	if err != nil {
		return fmt.Errorf("restauth: time delta query: %w", err)
	}
	defer resp.Body.Close()

	var response struct {
		Status    string `json:"status"`
		TimeDelta int64  `json:"time_delta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("restauth: time delta decode: %w", err)
	}

	c.mu.Lock()
	c.timeDelta = response.TimeDelta
	c.mu.Unlock()

	c.logger.Debugf("Updated time delta to %d seconds", response.TimeDelta)
	return nil
}
