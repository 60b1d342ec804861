package multipart

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// buildResponseBody constructs a multipart/mixed response the way the
// batch endpoint does: one part per id with a response-<id> Content-ID.
func buildResponseBody(boundary string, parts []ResponsePart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: application/http\r\n")
		b.WriteString("Content-ID: <response-" + p.ID + ">\r\n")
		b.WriteString("\r\n")
		b.WriteString(fmt.Sprintf("HTTP/1.1 %d OK\r\n", p.Status))
		b.WriteString("Content-Type: application/json; charset=UTF-8\r\n")
		b.WriteString("\r\n")
		b.WriteString(p.RawBody)
		b.WriteString("\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return b.String()
}

func TestParseResponse_SingleJSONPart(t *testing.T) {
	body := buildResponseBody("B42", []ResponsePart{
		{ID: "2024-01-01:0", Status: 200, RawBody: `{"rows":[{"clicks":3}]}`},
	})

	parts, err := ParseResponse("multipart/mixed; boundary=B42", []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("Expected 1 part, got %d", len(parts))
	}

	part := parts[0]
	if part.ID != "2024-01-01:0" {
		t.Errorf("ID = %q, want %q", part.ID, "2024-01-01:0")
	}
	if part.Status != 200 {
		t.Errorf("Status = %d, want 200", part.Status)
	}
	if !part.IsJSON() {
		t.Error("Expected JSON body to be decoded")
	}

	decoded, ok := part.Body.(map[string]interface{})
	if !ok {
		t.Fatalf("Body type = %T, want map", part.Body)
	}
	if _, ok := decoded["rows"]; !ok {
		t.Error("Decoded body missing rows key")
	}
}

func TestParseResponse_QuotedBoundary(t *testing.T) {
	body := buildResponseBody("quoted_b", []ResponsePart{
		{ID: "d:0", Status: 200, RawBody: `{}`},
	})

	parts, err := ParseResponse(`multipart/mixed; boundary="quoted_b"`, []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if len(parts) != 1 || parts[0].ID != "d:0" {
		t.Errorf("Parts = %+v, want one part with id d:0", parts)
	}
}

func TestParseResponse_ErrorPartKeepsRawBody(t *testing.T) {
	boundary := "B"
	body := "--B\r\n" +
		"Content-Type: application/http\r\n" +
		"Content-ID: <response-2024-02-02:500>\r\n" +
		"\r\n" +
		"HTTP/1.1 403 Forbidden\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"quota exceeded for site\r\n" +
		"--B--\r\n"

	parts, err := ParseResponse("multipart/mixed; boundary="+boundary, []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("Expected 1 part, got %d", len(parts))
	}
	if parts[0].Status != 403 {
		t.Errorf("Status = %d, want 403", parts[0].Status)
	}
	if parts[0].IsJSON() {
		t.Error("text/plain body must not be decoded as JSON")
	}
	if parts[0].RawBody != "quota exceeded for site" {
		t.Errorf("RawBody = %q", parts[0].RawBody)
	}
}

func TestParseResponse_MalformedSegments(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{
			name:        "missing boundary parameter",
			contentType: "multipart/mixed",
			body:        "--B--",
		},
		{
			name:        "not multipart",
			contentType: "application/json",
			body:        "{}",
		},
		{
			name:        "missing content id",
			contentType: "multipart/mixed; boundary=B",
			body:        "--B\r\nContent-Type: application/http\r\n\r\nHTTP/1.1 200 OK\r\n\r\n{}\r\n--B--\r\n",
		},
		{
			name:        "garbage status line",
			contentType: "multipart/mixed; boundary=B",
			body:        "--B\r\nContent-ID: <response-a:0>\r\n\r\nNOT-HTTP 200\r\n\r\n{}\r\n--B--\r\n",
		},
		{
			name:        "invalid JSON body",
			contentType: "multipart/mixed; boundary=B",
			body: "--B\r\nContent-ID: <response-a:0>\r\n\r\n" +
				"HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{not json\r\n--B--\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(tt.contentType, []byte(tt.body))
			if err == nil {
				t.Fatal("Expected decode error, got nil")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("Expected *DecodeError, got %T: %v", err, err)
			}
		})
	}
}

func TestRoundTrip_RequestsAndResponses(t *testing.T) {
	requests := make([]RequestPart, 0, 5)
	for i := 0; i < 5; i++ {
		requests = append(requests, RequestPart{
			ID:     fmt.Sprintf("2024-03-0%d:%d", i+1, i*25000),
			Method: "POST",
			Path:   "/webmasters/v3/sites/site/searchAnalytics/query",
			Body:   []byte(fmt.Sprintf(`{"startRow":%d}`, i*25000)),
		})
	}

	boundary := NewBoundary()
	contentType, body := EncodeRequests(boundary, requests)

	if !strings.Contains(contentType, "boundary="+boundary) {
		t.Errorf("contentType = %q, missing boundary", contentType)
	}
	if !strings.HasSuffix(string(body), "--"+boundary+"--\r\n") {
		t.Error("Encoded body missing closing delimiter")
	}

	// Echo each request back as a 200 response and decode it.
	responses := make([]ResponsePart, 0, len(requests))
	for _, req := range requests {
		responses = append(responses, ResponsePart{ID: req.ID, Status: 200, RawBody: string(req.Body)})
	}
	parts, err := ParseResponse("multipart/mixed; boundary=resp_b", []byte(buildResponseBody("resp_b", responses)))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if len(parts) != len(requests) {
		t.Fatalf("Expected %d parts, got %d", len(requests), len(parts))
	}

	byID := make(map[string]ResponsePart)
	for _, p := range parts {
		byID[p.ID] = p
	}
	for _, req := range requests {
		part, ok := byID[req.ID]
		if !ok {
			t.Errorf("Missing response for id %s", req.ID)
			continue
		}
		if part.Status != 200 {
			t.Errorf("Status for %s = %d, want 200", req.ID, part.Status)
		}
		if part.RawBody != string(req.Body) {
			t.Errorf("RawBody for %s = %q, want %q", req.ID, part.RawBody, req.Body)
		}
	}
}

func TestExtractBoundary(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        string
		wantErr     bool
	}{
		{"plain", "multipart/mixed; boundary=abc123", "abc123", false},
		{"quoted", `multipart/mixed; boundary="abc 123"`, "abc 123", false},
		{"empty header", "", "", true},
		{"no boundary", "multipart/mixed", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractBoundary(tt.contentType)
			if (err != nil) != tt.wantErr {
				t.Fatalf("extractBoundary() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("extractBoundary() = %q, want %q", got, tt.want)
			}
		})
	}
}
