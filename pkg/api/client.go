// Package api is a Go client for the data layer's HTTP API.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientConfig holds configuration for the client
type ClientConfig struct {
	NodeAddresses []string      // List of node HTTP addresses
	ClientID      string        // Client identifier
	Timeout       time.Duration // Request timeout
	RetryAttempts int           // Number of retry attempts
	RetryBackoff  time.Duration // Backoff step; attempt n waits n*RetryBackoff
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		NodeAddresses: []string{"localhost:8080"},
		ClientID:      "kv-datalayer-client",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Result is the outcome of a per-key operation, as reported by the node.
type Result string

const (
	ResultSuccess       Result = "success"
	ResultNotFound      Result = "not_found"
	ResultInvalidRegion Result = "invalid_region"
	ResultStaleVersion  Result = "stale_version"
	ResultWrongArity    Result = "wrong_arity"
)

// Object is a stored value.
type Object struct {
	Region  string   `json:"region"`
	Key     string   `json:"key"`
	Version uint64   `json:"version"`
	Values  [][]byte `json:"values"`
}

// Health is the body of GET /health.
type Health struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Regions  int    `json:"regions"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader,omitempty"`
}

// StatusError is returned when a node answers with a status the client
// does not map to a Result.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("node returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to one or more nodes, selecting them round-robin and
// retrying failed requests on the next node.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client

	mu        sync.Mutex
	nodeIndex int // For round-robin node selection
}

// NewClient creates a new client instance
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Regions lists the regions served by a node.
func (c *Client) Regions() ([]string, error) {
	var out struct {
		Regions []string `json:"regions"`
	}
	resp, err := c.do(http.MethodGet, "/regions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode regions: %w", err)
	}
	return out.Regions, nil
}

// CreateRegion asks the cluster to serve region with the given column count.
func (c *Client) CreateRegion(region string, columns uint16) error {
	body, err := json.Marshal(map[string]uint16{"columns": columns})
	if err != nil {
		return err
	}
	resp, err := c.do(http.MethodPost, regionPath(region), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// DropRegion asks the cluster to stop serving region.
func (c *Client) DropRegion(region string) error {
	resp, err := c.do(http.MethodDelete, regionPath(region), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// Get reads key from region. The object is nil unless the result is
// ResultSuccess.
func (c *Client) Get(region, key string) (*Object, Result, error) {
	resp, err := c.do(http.MethodGet, keyPath(region, key), nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		res, err := decodeResult(resp)
		return nil, res, err
	}
	var obj Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, "", fmt.Errorf("failed to decode object: %w", err)
	}
	return &obj, ResultSuccess, nil
}

// Put writes values under key in region at version.
func (c *Client) Put(region, key string, values [][]byte, version uint64) (Result, error) {
	body, err := json.Marshal(struct {
		Values  [][]byte `json:"values"`
		Version uint64   `json:"version"`
	}{values, version})
	if err != nil {
		return "", fmt.Errorf("failed to marshal put: %w", err)
	}
	resp, err := c.do(http.MethodPut, keyPath(region, key), body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return decodeResult(resp)
}

// Del removes key from region.
func (c *Client) Del(region, key string) (Result, error) {
	resp, err := c.do(http.MethodDelete, keyPath(region, key), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return decodeResult(resp)
}

// Health fetches a node's health report.
func (c *Client) Health() (*Health, error) {
	resp, err := c.do(http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	return &h, nil
}

// do sends the request, moving to the next node on transport errors and
// 5xx answers. Any other response is returned to the caller.
func (c *Client) do(method, path string, body []byte) (*http.Response, error) {
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * c.config.RetryBackoff)
		}

		req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", c.selectNode(), path), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Request-ID", requestID)
		req.Header.Set("User-Agent", c.config.ClientID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = statusError(resp)
			resp.Body.Close()
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("request %s %s failed after %d attempts: %w",
		method, path, c.config.RetryAttempts+1, lastErr)
}

// selectNode selects a node using round-robin
func (c *Client) selectNode() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.config.NodeAddresses) == 0 {
		return "localhost:8080"
	}
	node := c.config.NodeAddresses[c.nodeIndex]
	c.nodeIndex = (c.nodeIndex + 1) % len(c.config.NodeAddresses)
	return node
}

func decodeResult(resp *http.Response) (Result, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusGone, http.StatusConflict, http.StatusBadRequest:
	default:
		return "", statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var out struct {
		Result Result `json:"result"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Result == "" {
		// plain-text errors, e.g. an unparseable region
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return out.Result, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}

func regionPath(region string) string {
	return "/regions/" + url.PathEscape(region)
}

func keyPath(region, key string) string {
	return regionPath(region) + "/keys/" + url.PathEscape(key)
}
