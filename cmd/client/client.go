package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/abshkbh/qalloc/pkg/server"
)

// apiClient talks to a qalloc REST server.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(host, port string) *apiClient {
	return &apiClient{
		baseURL:    fmt.Sprintf("http://%s:%s", host, port),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a successful response into out.
// Error responses are turned into errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == nil {
			return fmt.Errorf("%s %s: unexpected status code: %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s (code: %d)", method, path, errResp.Error.Message, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func poolPath(id string, suffix string) string {
	return "/pools/" + id + suffix
}
