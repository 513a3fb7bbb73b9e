package tempo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// newRESTServer answers every request with status and response. The returned
// function lists the requests received so far.
func newRESTServer(t *testing.T, status int, response string) (*RESTBackend, func() []recordedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		requests = append(requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return NewRESTBackend("secret-token", WithBaseURL(srv.URL+"/")), func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(requests)
	}
}

func TestRESTSelect(t *testing.T) {
	b, reqs := newRESTServer(t, http.StatusOK, `[{"id":"m-2"},{"id":"m-1"}]`)
	cursor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	rows, err := b.Select(context.Background(), TableTeamMessages, Query{
		Eq:     map[string]string{"team_id": "t-1"},
		Before: &TimeBound{Column: "created_at", At: cursor},
	}.Order("created_at", true).WithLimit(30))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.Len(t, reqs(), 1)
	req := reqs()[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/rest/v1/team_messages", req.Path)
	assert.Equal(t, "eq.t-1", req.Query.Get("team_id"))
	assert.Equal(t, "lt.2026-03-02T09:00:00Z", req.Query.Get("created_at"))
	assert.Equal(t, "created_at.desc", req.Query.Get("order"))
	assert.Equal(t, "30", req.Query.Get("limit"))
	assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("Prefer"))
}

func TestRESTRangeQuery(t *testing.T) {
	b, reqs := newRESTServer(t, http.StatusOK, `[]`)
	from := time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 4, 23, 59, 59, 0, time.UTC)

	_, err := b.Select(context.Background(), TableTeamEvents, Query{Range: &TimeRange{Column: "start_time", From: from, To: to}})
	require.NoError(t, err)
	assert.Equal(t, []string{"gte.2026-02-22T00:00:00Z", "lte.2026-04-04T23:59:59Z"}, reqs()[0].Query["start_time"])
}

func TestRESTWrites(t *testing.T) {
	t.Run("insert returns the representation", func(t *testing.T) {
		b, reqs := newRESTServer(t, http.StatusCreated, `[{"id":"n-42","title":"Draft"}]`)
		n, err := NewRemote[Note](b, TableNotes).Create(context.Background(), map[string]any{"title": "Draft"})
		require.NoError(t, err)
		assert.Equal(t, "n-42", n.ID)

		req := reqs()[0]
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "return=representation", req.Header.Get("Prefer"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"title":"Draft"}`, req.Body)
	})

	t.Run("update filters by id", func(t *testing.T) {
		b, reqs := newRESTServer(t, http.StatusOK, `[{"id":"n-1","title":"B"}]`)
		n, err := NewRemote[Note](b, TableNotes).Update(context.Background(), "n-1", map[string]any{"title": "B"})
		require.NoError(t, err)
		assert.Equal(t, "B", n.Title)

		req := reqs()[0]
		assert.Equal(t, http.MethodPatch, req.Method)
		assert.Equal(t, "eq.n-1", req.Query.Get("id"))
		assert.JSONEq(t, `{"title":"B"}`, req.Body)
	})

	t.Run("update of a missing row", func(t *testing.T) {
		b, _ := newRESTServer(t, http.StatusOK, `[]`)
		_, err := b.Update(context.Background(), TableNotes, "gone", map[string]any{"title": "B"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		b, reqs := newRESTServer(t, http.StatusOK, `[{"id":"n-1"}]`)
		require.NoError(t, b.Delete(context.Background(), TableNotes, "n-1"))
		assert.Equal(t, http.MethodDelete, reqs()[0].Method)
		assert.Equal(t, "eq.n-1", reqs()[0].Query.Get("id"))
	})

	t.Run("delete of a missing row", func(t *testing.T) {
		b, _ := newRESTServer(t, http.StatusOK, `[]`)
		assert.ErrorIs(t, b.Delete(context.Background(), TableNotes, "gone"), ErrNotFound)
	})
}

func TestRESTErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
		notFound bool
	}{
		{"structured error", http.StatusForbidden, `{"code":"42501","message":"permission denied for table notes"}`, "42501", "permission denied for table notes", false},
		{"plain text", http.StatusBadGateway, "upstream unavailable\n", "", "upstream unavailable", false},
		{"empty body", http.StatusServiceUnavailable, "", "", "Service Unavailable", false},
		{"not found", http.StatusNotFound, `{"message":"relation does not exist"}`, "", "relation does not exist", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newRESTServer(t, tt.status, tt.body)
			_, err := b.Select(context.Background(), TableNotes, Query{})
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		b, _ := newRESTServer(t, http.StatusOK, `{"not":"an array"}`)
		_, err := b.Select(context.Background(), TableNotes, Query{})
		assert.ErrorContains(t, err, "unmarshal")
	})

	t.Run("transport failure", func(t *testing.T) {
		b := NewRESTBackend("", WithBaseURL("http://127.0.0.1:1"), WithTimeout(time.Second))
		_, err := b.Select(context.Background(), TableNotes, Query{})
		assert.ErrorContains(t, err, "request failed")
	})
}

func TestRESTBackendOptions(t *testing.T) {
	b := NewRESTBackend("")
	assert.Equal(t, DefaultBaseURL, b.BaseURL())

	client := &http.Client{}
	b = NewRESTBackend("k", WithHTTPClient(client), WithBaseURL("https://db.example.com//"))
	assert.Equal(t, "https://db.example.com", b.BaseURL())
	assert.Same(t, client, b.httpClient)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer rotated", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]any{})
	}))
	defer srv.Close()
	b = NewRESTBackend("old", WithBaseURL(srv.URL))
	b.SetToken("rotated")
	_, err := b.Select(context.Background(), TableNotes, Query{})
	require.NoError(t, err)
}
