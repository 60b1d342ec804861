// Package multipart implements the multipart/mixed batch wire protocol:
// encoding application/http sub-requests into a batch body and decoding
// the mirrored batch response into typed parts.
package multipart

import (
	"encoding/json"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// ResponsePart is one decoded sub-response from a multipart/mixed batch
// response. Body holds decoded JSON when the part's Content-Type indicates
// JSON; RawBody always holds the raw inner payload.
type ResponsePart struct {
	ID      string
	Status  int
	Headers map[string]string
	Body    interface{}
	RawBody string
}

// IsJSON reports whether the part body was decoded as JSON.
func (p *ResponsePart) IsJSON() bool {
	return p.Body != nil
}

// DecodeError describes a malformed segment in a multipart response. A
// malformed segment never yields a partial part.
type DecodeError struct {
	Segment int
	Reason  string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("multipart decode error in segment %d: %s", e.Segment, e.Reason)
}

// ParseResponse decodes a multipart/mixed batch response body into its
// parts. contentType is the value of the response Content-Type header and
// must carry a boundary parameter.
func ParseResponse(contentType string, body []byte) ([]ResponsePart, error) {
	boundary, err := extractBoundary(contentType)
	if err != nil {
		return nil, err
	}

	segments := splitSegments(string(body), boundary)
	parts := make([]ResponsePart, 0, len(segments))

	for i, segment := range segments {
		part, err := parseSegment(i, segment)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	return parts, nil
}

// extractBoundary pulls the boundary token out of a Content-Type header
// value, handling optional quoting.
func extractBoundary(contentType string) (string, error) {
	if contentType == "" {
		return "", &DecodeError{Segment: -1, Reason: "missing Content-Type header"}
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", &DecodeError{Segment: -1, Reason: fmt.Sprintf("invalid Content-Type %q: %v", contentType, err)}
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", &DecodeError{Segment: -1, Reason: fmt.Sprintf("not a multipart response: %s", mediaType)}
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", &DecodeError{Segment: -1, Reason: "Content-Type missing boundary parameter"}
	}

	return boundary, nil
}

// splitSegments splits the body on the boundary delimiter and drops the
// preamble, empty segments, and the closing "--" segment.
func splitSegments(body, boundary string) []string {
	raw := strings.Split(body, "--"+boundary)

	var segments []string
	for _, seg := range raw {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" || trimmed == "--" {
			continue
		}
		segments = append(segments, seg)
	}

	return segments
}

// parseSegment decodes one boundary-delimited segment into a ResponsePart.
func parseSegment(index int, segment string) (ResponsePart, error) {
	segment = strings.TrimLeft(segment, "\r\n")

	// Outer headers (Content-Type: application/http, Content-ID) are
	// separated from the embedded HTTP response by a blank line.
	outerHeaders, inner, ok := splitHeaderBlock(segment)
	if !ok {
		return ResponsePart{}, &DecodeError{Segment: index, Reason: "missing header/content separator"}
	}

	id := contentID(outerHeaders)
	if id == "" {
		return ResponsePart{}, &DecodeError{Segment: index, Reason: "missing Content-ID header"}
	}

	status, headers, payload, err := parseEmbeddedHTTP(index, inner)
	if err != nil {
		return ResponsePart{}, err
	}

	part := ResponsePart{
		ID:      id,
		Status:  status,
		Headers: headers,
		RawBody: payload,
	}

	if isJSONContentType(headers["content-type"]) && payload != "" {
		var decoded interface{}
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return ResponsePart{}, &DecodeError{Segment: index, Reason: fmt.Sprintf("invalid JSON body: %v", err)}
		}
		part.Body = decoded
	}

	return part, nil
}

// splitHeaderBlock splits a segment into its header block and the content
// after the first blank line.
func splitHeaderBlock(segment string) (headers map[string]string, content string, ok bool) {
	head, rest, found := cutBlankLine(segment)
	if !found {
		return nil, "", false
	}
	return parseHeaderLines(head), rest, true
}

// cutBlankLine cuts s at the first blank line, accepting both CRLF and
// bare LF separators.
func cutBlankLine(s string) (before, after string, found bool) {
	if before, after, found = strings.Cut(s, "\r\n\r\n"); found {
		return before, after, true
	}
	return strings.Cut(s, "\n\n")
}

// parseHeaderLines parses "Name: value" lines into a lowercase-keyed map.
func parseHeaderLines(block string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return headers
}

// contentID returns the normalized Content-ID: angle brackets and the
// "response-" prefix the server adds are stripped.
func contentID(headers map[string]string) string {
	id := headers["content-id"]
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimPrefix(id, "response-")
	return id
}

// parseEmbeddedHTTP decodes the embedded HTTP response: status line,
// headers, and body.
func parseEmbeddedHTTP(index int, inner string) (int, map[string]string, string, error) {
	inner = strings.TrimLeft(inner, "\r\n")

	statusLine, rest, _ := strings.Cut(inner, "\n")
	statusLine = strings.TrimRight(statusLine, "\r")

	status, err := parseStatusLine(statusLine)
	if err != nil {
		return 0, nil, "", &DecodeError{Segment: index, Reason: err.Error()}
	}

	head, body, found := cutBlankLine(rest)
	if !found {
		// Status line with no headers and no body.
		head, body = rest, ""
	}

	return status, parseHeaderLines(head), strings.TrimSuffix(strings.TrimSuffix(body, "\n"), "\r"), nil
}

// parseStatusLine extracts the status code from "HTTP/1.1 NNN ...".
func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("invalid HTTP status line %q", line)
	}

	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("invalid HTTP status code in %q", line)
	}

	return status, nil
}

// isJSONContentType reports whether a Content-Type value indicates JSON.
func isJSONContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}
