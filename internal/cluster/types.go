package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceInfo identifies one cluster instance and where its status API
// can be reached
type InstanceInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr,omitempty"`
	IsLocal  bool   `json:"isLocal,omitempty"`
	IsLeader bool   `json:"isLeader,omitempty"`
}

// HealthResponse is served on /health by the instance daemon. Records
// and RecordBytes describe the shared record store.
type HealthResponse struct {
	Status      string         `json:"status"`
	Instances   []InstanceInfo `json:"instances"`
	Records     int            `json:"records"`
	RecordBytes int            `json:"recordBytes"`
}

// StartVotingRequest asks an instance to open a voting for its current
// live view. Instance selects a virtual instance, empty means the first.
// Reset gives that instance a fresh leader election id first, so the
// voting hands leadership to another member.
type StartVotingRequest struct {
	Instance string `json:"instance,omitempty"`
	Reset    bool   `json:"reset,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewInstanceID returns a fresh instance identifier. Instances persist
// and reuse it across restarts when configured to.
func NewInstanceID() string {
	return uuid.NewString()
}

// NewRuntimeID identifies one process lifetime. Two processes claiming
// the same instance id are told apart by it.
func NewRuntimeID() string {
	return uuid.NewString()
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// HTTPError is returned by PostJSON and GetJSON for non-2xx responses
type HTTPError struct {
	URL     string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Status)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Status, e.Message)
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newHTTPError(req.URL.String(), resp)
	}
	if out == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		// empty body, e.g. 204
		return nil
	}
	return err
}

func newHTTPError(url string, resp *http.Response) error {
	herr := &HTTPError{URL: url, Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		herr.Message = er.Error
	} else {
		herr.Message = strings.TrimSpace(string(data))
	}
	return herr
}

// WriteJSON encodes v as the response body with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}
