package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceInfo(t *testing.T) {
	data, err := json.Marshal(InstanceInfo{ID: "i1", Addr: "http://localhost:8080", IsLeader: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"i1","addr":"http://localhost:8080","isLeader":true}`, string(data))
}

func TestIdentifiers(t *testing.T) {
	a, b := NewInstanceID(), NewInstanceID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)

	r := NewRuntimeID()
	_, err = uuid.Parse(r)
	assert.NoError(t, err)
	assert.NotEqual(t, r, NewRuntimeID())
}

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    interface{}
		responseBody   interface{}
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    StartVotingRequest{Instance: "i1"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    StartVotingRequest{},
		},
		{
			name:           "empty body decodes into nothing",
			serverResponse: http.StatusNoContent,
			requestBody:    StartVotingRequest{},
			responseBody:   &map[string]string{"status": "ok"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    StartVotingRequest{},
			expectError:    true,
		},
		{
			name:           "conflict",
			serverResponse: http.StatusConflict,
			serverBody:     `{"error":"duplicate voting"}`,
			requestBody:    StartVotingRequest{},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    StartVotingRequest{},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}

				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 1*time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.responseBody != nil {
				respMap := tt.responseBody.(*map[string]string)
				assert.Equal(t, "ok", (*respMap)["status"])
			}
		})
	}
}

func TestHTTPErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusConflict, errors.New("duplicate voting"))
	}))
	defer server.Close()

	err := PostJSON(context.Background(), server.URL, StartVotingRequest{}, nil)
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusConflict, herr.Status)
	assert.Equal(t, "duplicate voting", herr.Message)
	assert.Contains(t, err.Error(), "409: duplicate voting")
}

// TestGetJSON tests the GetJSON function with various scenarios
func TestGetJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful GET",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok","instances":[{"id":"i1","isLocal":true}]}`,
		},
		{
			name:           "not found error",
			serverResponse: http.StatusNotFound,
			serverBody:     `{"error":"not found"}`,
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "invalid JSON response",
			serverResponse: http.StatusOK,
			serverBody:     `{invalid json}`,
			expectError:    true,
		},
		{
			name:           "redirect response",
			serverResponse: http.StatusMovedPermanently,
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 1*time.Millisecond)
				defer cancel()
			}

			var resp HealthResponse
			err := GetJSON(ctx, server.URL, &resp)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, []InstanceInfo{{ID: "i1", IsLocal: true}}, resp.Instances)
		})
	}
}

func TestInvalidURL(t *testing.T) {
	ctx := context.Background()
	var result map[string]interface{}

	assert.Error(t, GetJSON(ctx, "://invalid-url", &result))
	assert.Error(t, GetJSON(ctx, "http://localhost:99999", &result))
	assert.Error(t, PostJSON(ctx, "://invalid-url", StartVotingRequest{}, nil))
	assert.Error(t, PostJSON(ctx, "http://localhost:99999", StartVotingRequest{}, nil))
}

// TestHTTPClient tests that the HTTP client has proper timeout
func TestHTTPClient(t *testing.T) {
	assert.Equal(t, 5*time.Second, httpClient.Timeout)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, HealthResponse{Status: "ok"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","instances":null}`, rec.Body.String())
}
