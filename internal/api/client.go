// Package api is the small REST surface next to the event channel: a
// health probe and session login. Everything stateful goes over the
// channel; this client only covers what must work before a channel exists.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/photarc/photarc/internal/logging"
)

// retryLogger adapts the structured logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Retry chatter at info level is noise.
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func fieldMap(keysAndValues []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		m[key] = keysAndValues[i+1]
	}
	return m
}

// Client talks to the server's HTTP endpoints.
type Client struct {
	httpClient *nethttp.Client
	baseURL    string
	token      string
}

// NewClient creates an API client with retry support.
func NewClient(baseURL, token string, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = &retryLogger{log: log}

	return &Client{
		httpClient: retryClient.StandardClient(),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
	}
}

// HealthInfo is the server's health and version report.
type HealthInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health probes the server. Used before dialing the channel so connection
// failures produce a clear message instead of a websocket handshake error.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	resp, err := c.doRequest(ctx, nethttp.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		return nil, fmt.Errorf("health check returned %s", resp.Status)
	}
	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &info, nil
}

// LoginResult carries a fresh session token.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges the shared secret for a session token.
func (c *Client) Login(ctx context.Context, secret, clientID string) (*LoginResult, error) {
	body := map[string]string{"secret": secret, "client_id": clientID}
	resp, err := c.doRequest(ctx, nethttp.MethodPost, "/login", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("login returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var result LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	return &result, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*nethttp.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
