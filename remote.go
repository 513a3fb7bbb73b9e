package tempo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:54321"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// RESTBackend
// ============================================================================

// RESTBackend talks to a PostgREST-style endpoint under /rest/v1.
type RESTBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type RESTOption func(*RESTBackend)

func WithBaseURL(url string) RESTOption {
	return func(b *RESTBackend) { b.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) RESTOption {
	return func(b *RESTBackend) { b.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RESTOption {
	return func(b *RESTBackend) { b.httpClient = client }
}

// NewRESTBackend creates a REST backend. apiKey is sent as a bearer token and
// may be empty.
func NewRESTBackend(apiKey string, opts ...RESTOption) *RESTBackend {
	b := &RESTBackend{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetToken sets or updates the bearer token.
func (b *RESTBackend) SetToken(token string) {
	b.apiKey = token
}

// BaseURL returns the endpoint the backend talks to.
func (b *RESTBackend) BaseURL() string { return b.baseURL }

func (b *RESTBackend) Select(ctx context.Context, table string, q Query) ([]json.RawMessage, error) {
	data, err := b.doRequest(ctx, http.MethodGet, table, nil, encodeQuery(q))
	if err != nil {
		return nil, err
	}
	return decodeRows(data)
}

func (b *RESTBackend) Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	data, err := b.doRequest(ctx, http.MethodPost, table, doc, nil)
	if err != nil {
		return nil, err
	}
	return firstRow(data)
}

func (b *RESTBackend) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data, err := b.doRequest(ctx, http.MethodPatch, table, body, idFilter(id))
	if err != nil {
		return nil, err
	}
	return firstRow(data)
}

func (b *RESTBackend) Delete(ctx context.Context, table, id string) error {
	data, err := b.doRequest(ctx, http.MethodDelete, table, nil, idFilter(id))
	if err != nil {
		return err
	}
	if _, err := firstRow(data); err != nil {
		return fmt.Errorf("%s/%s: %w", table, id, err)
	}
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (b *RESTBackend) doRequest(ctx context.Context, method, table string, body []byte, query url.Values) ([]byte, error) {
	u := b.baseURL + "/rest/v1/" + url.PathEscape(table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}

func decodeRows(data []byte) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return rows, nil
}

// firstRow unwraps the single-row array returned with return=representation.
func firstRow(data []byte) (json.RawMessage, error) {
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func idFilter(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

// encodeQuery renders q in PostgREST filter syntax.
func encodeQuery(q Query) url.Values {
	v := url.Values{}
	for col, val := range q.Eq {
		v.Add(col, "eq."+val)
	}
	if b := q.Before; b != nil {
		v.Add(b.Column, "lt."+b.At.UTC().Format(time.RFC3339Nano))
	}
	if rg := q.Range; rg != nil {
		v.Add(rg.Column, "gte."+rg.From.UTC().Format(time.RFC3339Nano))
		v.Add(rg.Column, "lte."+rg.To.UTC().Format(time.RFC3339Nano))
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		v.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}
