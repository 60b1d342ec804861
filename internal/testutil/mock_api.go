// Package testutil provides a configurable mock of the batch query API
// and its token endpoint for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/0xFlo/prism-sub001/pkg/multipart"
)

// PartResponse is the mock's answer to one batch sub-request.
type PartResponse struct {
	Status int
	Body   string
}

// PartHandler produces the response for a sub-request id. The body is
// the sub-request's JSON payload.
type PartHandler func(id string, body []byte) PartResponse

// MockAPI is a configurable mock batch API server. It decodes incoming
// multipart batch envelopes, answers each part via the configured
// handler, and mirrors the batch wire protocol in its responses. It also
// serves a token endpoint at /token.
type MockAPI struct {
	server *httptest.Server

	mu          sync.Mutex
	partHandler PartHandler
	forced      []int // queued whole-batch status overrides

	// Tracking
	BatchCount int
	PartCount  int
	TokenCount int
}

// NewMockAPI creates a mock server answering every part with 200 and an
// empty row set until configured otherwise.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		partHandler: func(string, []byte) PartResponse {
			return PartResponse{Status: http.StatusOK, Body: `{"rows":[]}`}
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", mock.handleToken)
	mux.HandleFunc("/", mock.handleBatch)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// TokenURL returns the mock token endpoint URL.
func (m *MockAPI) TokenURL() string {
	return m.server.URL + "/token"
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetPartHandler replaces the per-part handler.
func (m *MockAPI) SetPartHandler(handler PartHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partHandler = handler
}

// ForceStatuses queues whole-batch HTTP statuses: each queued status is
// consumed by one batch call before normal handling resumes.
func (m *MockAPI) ForceStatuses(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = append(m.forced, statuses...)
}

// Counts returns the number of batch calls and parts served so far.
func (m *MockAPI) Counts() (batches, parts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BatchCount, m.PartCount
}

func (m *MockAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenCount++
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": "mock-token",
		"expires_in":   3600,
	})
}

func (m *MockAPI) handleBatch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.BatchCount++
	if len(m.forced) > 0 {
		status := m.forced[0]
		m.forced = m.forced[1:]
		m.mu.Unlock()
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":"forced status %d"}`, status)
		return
	}
	handler := m.partHandler
	m.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ids, bodies, err := decodeBatchRequest(r.Header.Get("Content-Type"), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.PartCount += len(ids)
	m.mu.Unlock()

	boundary := "mock_response_boundary"
	var b strings.Builder
	for i, id := range ids {
		resp := handler(id, bodies[i])
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: application/http\r\n")
		b.WriteString("Content-ID: <response-" + id + ">\r\n")
		b.WriteString("\r\n")
		b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", resp.Status, http.StatusText(resp.Status)))
		b.WriteString("Content-Type: application/json; charset=UTF-8\r\n")
		b.WriteString("\r\n")
		b.WriteString(resp.Body)
		b.WriteString("\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+boundary)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, b.String())
}

// decodeBatchRequest extracts sub-request ids and JSON bodies from a
// multipart batch request body.
func decodeBatchRequest(contentType string, body []byte) (ids []string, bodies [][]byte, err error) {
	parts, err := multipart.ParseResponse(contentType, batchRequestAsResponse(body))
	if err != nil {
		return nil, nil, fmt.Errorf("decode batch request: %w", err)
	}

	for _, part := range parts {
		ids = append(ids, part.ID)
		bodies = append(bodies, []byte(part.RawBody))
	}
	return ids, bodies, nil
}

// batchRequestAsResponse rewrites embedded request lines ("POST /path
// HTTP/1.1") into status lines so the response parser can be reused for
// request decoding.
func batchRequestAsResponse(body []byte) []byte {
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasSuffix(trimmed, " HTTP/1.1") && !strings.HasPrefix(trimmed, "HTTP/") {
			lines[i] = "HTTP/1.1 200 Embedded\r"
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// RowsBody builds a search-analytics style JSON body with n rows.
func RowsBody(n int) string {
	rows := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, fmt.Sprintf(`{"keys":["query-%d"],"clicks":%d,"impressions":%d,"ctr":0.1,"position":%d.5}`, i, n-i, (n-i)*10, i+1))
	}
	return `{"rows":[` + strings.Join(rows, ",") + `]}`
}
