package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apierrors "github.com/devrev/twinengine/internal/errors"
)

// apiError is a non-2xx response from the floorsync server.
type apiError struct {
	StatusCode int
	Code       apierrors.ErrorCode
	Message    string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *apiError) storageFailure() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.Code == apierrors.ErrCodeStorageFailure
}

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(opts *globalOptions) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(opts.serverURL, "/"),
		httpClient: &http.Client{Timeout: opts.timeout},
	}
}

// post sends body as JSON and decodes a successful response into out.
func (c *apiClient) post(ctx context.Context, path string, headers map[string]string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		var errResp apierrors.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil {
			apiErr.Code = errResp.ErrorCode
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
