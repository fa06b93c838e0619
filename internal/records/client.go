// Package records is a thin HTTP client for the Notion-style record
// store: record create/query/update plus the two-phase file upload
// protocol (request a slot, then send bytes to the slot URL).
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RecordRef identifies a record in the store.
type RecordRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// UploadSlot is the first phase of a file upload: an opaque upload id
// and the URL the bytes must be sent to.
type UploadSlot struct {
	ID        string `json:"id"`
	UploadURL string `json:"upload_url"`
}

// ErrorResponse is the store's JSON error envelope.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client handles bearer authentication, the API version header, JSON
// marshaling, and automatic retry with exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	token      string
	version    string
	databaseID string
	httpClient *http.Client
	maxRetries int
}

// NewClient creates a record-store client. The baseURL is the API
// root; version is sent on every request as the Notion-Version header;
// databaseID is the parent database for created records.
func NewClient(baseURL, token, version, databaseID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		version:    version,
		databaseID: databaseID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
}

// CreateRecord creates a record with the given properties in the
// configured database and returns its reference.
func (c *Client) CreateRecord(
	ctx context.Context, properties map[string]any,
) (*RecordRef, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": c.databaseID},
		"properties": properties,
	}

	var ref RecordRef
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &ref); err != nil {
		return nil, fmt.Errorf("creating record: %w", err)
	}
	return &ref, nil
}

// QueryRecords runs a filter query against the configured database.
func (c *Client) QueryRecords(
	ctx context.Context, filter map[string]any,
) ([]RecordRef, error) {
	body := map[string]any{}
	if filter != nil {
		body["filter"] = filter
	}

	var result struct {
		Results []RecordRef `json:"results"`
	}
	path := "/v1/databases/" + c.databaseID + "/query"
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	return result.Results, nil
}

// UpdateRecord replaces properties on an existing record.
func (c *Client) UpdateRecord(
	ctx context.Context, id string, properties map[string]any,
) error {
	body := map[string]any{"properties": properties}
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+id, body, nil); err != nil {
		return fmt.Errorf("updating record %s: %w", id, err)
	}
	return nil
}

// CreateUploadSlot requests an upload id and target URL for a file.
func (c *Client) CreateUploadSlot(
	ctx context.Context, filename string,
) (*UploadSlot, error) {
	body := map[string]any{"filename": filename}

	var slot UploadSlot
	if err := c.do(ctx, http.MethodPost, "/v1/file_uploads", body, &slot); err != nil {
		return nil, fmt.Errorf("creating upload slot: %w", err)
	}
	return &slot, nil
}

// SendBytes transmits file data to an upload URL as multipart form
// data and returns the status the store reports for the upload.
func (c *Client) SendBytes(
	ctx context.Context, uploadURL string, data []byte, filename string,
) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing upload form: %w", err)
	}

	url := uploadURL
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, &buf,
	)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending upload bytes: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading upload response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf(
			"upload failed (%d): %s", resp.StatusCode, string(respBody),
		)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshaling upload response: %w", err)
	}
	return result.Status, nil
}

// do is the core HTTP method: it builds the request, handles auth and
// the version header, retries 429s with backoff, and (de)serializes
// JSON.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body any,
	result any,
) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// Rebuild the body reader on retries since it was consumed.
		if attempt > 0 && body != nil {
			data, _ := json.Marshal(body)
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", c.version)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, path)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf(
				"authentication failed (401): check the store token for %s",
				c.baseURL,
			)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var storeErr ErrorResponse
			if json.Unmarshal(respBody, &storeErr) == nil && storeErr.Message != "" {
				return fmt.Errorf(
					"store API error (%d) on %s %s: %s %s",
					resp.StatusCode, method, path,
					storeErr.Code, storeErr.Message,
				)
			}
			return fmt.Errorf(
				"unexpected status %d on %s %s: %s",
				resp.StatusCode, method, path, string(respBody),
			)
		}

		// No content to parse (e.g. 204).
		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf(
				"unmarshaling response from %s %s: %w", method, path, err,
			)
		}

		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
