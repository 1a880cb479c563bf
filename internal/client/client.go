// Package client is a Go client for the function management REST API.
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
	"os"
	"path/filepath"
	"strings"

	"cloudfunctions/internal/core/functions"
	"cloudfunctions/internal/core/notify"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-success answer of the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL. httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Deploy uploads the archive at archivePath and returns the function name.
func (c *Client) Deploy(ctx context.Context, archivePath string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(archivePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var resp struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/functions/deploy/", mw.FormDataContentType(), &body, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

func (c *Client) List(ctx context.Context) ([]functions.Function, error) {
	var list []functions.Function
	if err := c.do(ctx, http.MethodGet, "/api/functions/", "", nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Get(ctx context.Context, name string) (*functions.Function, error) {
	var fn functions.Function
	if err := c.do(ctx, http.MethodGet, "/api/functions/"+url.PathEscape(name)+"/", "", nil, http.StatusOK, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (c *Client) Activate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "/api/functions/"+url.PathEscape(name)+"/activate/", "", nil, http.StatusOK, nil)
}

func (c *Client) Deactivate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/functions/"+url.PathEscape(name)+"/deactivate/", "", nil, http.StatusOK, nil)
}

// Invoke runs the function. Both success and error outcomes come back as an
// Outcome; only transport problems and refused invocations are errors.
func (c *Client) Invoke(ctx context.Context, name string, targets functions.Targets) (*functions.Outcome, error) {
	payload, err := json.Marshal(notify.Request{Notify: notify.Endpoints{
		OnSuccess: targets.OnSuccess,
		OnError:   targets.OnFailure,
	}})
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/functions/run/"+url.PathEscape(name)+"/", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return nil, apiError(resp.StatusCode, data)
	}
	var outcome functions.Outcome
	if err := json.Unmarshal(data, &outcome); err != nil || outcome.Status == "" {
		return nil, apiError(resp.StatusCode, data)
	}
	outcome.FunctionName = name
	return &outcome, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, want int, out any) error {
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: status, Message: msg}
}
