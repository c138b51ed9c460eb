// Package client is an HTTP client for the execbox API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/execbox/execbox/pkg/types"
)

// Client talks to one execbox server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL. The API key may be
// empty when the server runs in dev mode.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// apiError reads an error response body into a typed error.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr types.APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return &apiErr
	}
	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
}

func decodeInto(resp *http.Response, out interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Exec runs code and waits for the result.
func (c *Client) Exec(ctx context.Context, req *types.ExecRequest) (*types.ExecResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/exec", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result types.ExecResponse
	if err := decodeInto(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSession creates a persistent session.
func (c *Client) CreateSession(ctx context.Context, entityID, userID, language string) (*types.Session, error) {
	body := map[string]string{}
	if entityID != "" {
		body["entity_id"] = entityID
	}
	if userID != "" {
		body["user_id"] = userID
	}
	if language != "" {
		body["language"] = language
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var sess types.Session
	if err := decodeInto(resp, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var sess types.Session
	if err := decodeInto(resp, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions lists an entity's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, entityID string, limit, offset int) ([]types.Session, error) {
	q := url.Values{}
	q.Set("entity_id", entityID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/sessions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result struct {
		Sessions []types.Session `json:"sessions"`
	}
	if err := decodeInto(resp, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// DeleteSession deletes a session. Deleting an absent session is not an
// error.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// GetState downloads a session's state blob.
func (c *Client) GetState(ctx context.Context, sessionID string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/state/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// PutState uploads a state blob for the session.
func (c *Client) PutState(ctx context.Context, sessionID string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/state/"+sessionID, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	return nil
}

// StateInfo fetches state metadata without the blob.
func (c *Client) StateInfo(ctx context.Context, sessionID string) (*types.StateInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/state/"+sessionID+"/info", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var info types.StateInfo
	if err := decodeInto(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteState removes a session's state from both tiers.
func (c *Client) DeleteState(ctx context.Context, sessionID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/state/"+sessionID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// UploadFile uploads a file into the session's store.
func (c *Client) UploadFile(ctx context.Context, sessionID, name string, content []byte) (*types.FileInfo, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("session_id", sessionID); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var f types.FileInfo
	if err := decodeInto(resp, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles lists a session's stored files.
func (c *Client) ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/files/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result struct {
		Files []types.FileInfo `json:"files"`
	}
	if err := decodeInto(resp, &result); err != nil {
		return nil, err
	}
	return result.Files, nil
}

// GetFile downloads a stored file's content.
func (c *Client) GetFile(ctx context.Context, sessionID, fileID string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/files/"+sessionID+"/"+fileID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// FileURL fetches a presigned download URL for a stored file.
func (c *Client) FileURL(ctx context.Context, sessionID, fileID string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/files/"+sessionID+"/"+fileID+"/url", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := decodeInto(resp, &result); err != nil {
		return "", err
	}
	return result.URL, nil
}

// DeleteFile removes a stored file.
func (c *Client) DeleteFile(ctx context.Context, sessionID, fileID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/files/"+sessionID+"/"+fileID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// Pools reports warm pool occupancy per language.
func (c *Client) Pools(ctx context.Context) ([]types.PoolStats, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/pools", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result struct {
		Pools []types.PoolStats `json:"pools"`
	}
	if err := decodeInto(resp, &result); err != nil {
		return nil, err
	}
	return result.Pools, nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}
