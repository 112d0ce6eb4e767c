// Package envelope defines the serialized descriptor format exchanged
// between the interceptor and the forwarder, and the codec that produces
// and verifies it. Encoding and decoding are pure transforms with no I/O.
package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// VersionTag identifies the envelope format version written by this build.
const VersionTag = "1.0.0"

// defaultHTTPVersion is recorded in envelopes when the capture point does
// not supply one.
const defaultHTTPVersion = "HTTP/1.1"

// RequestDescriptor is the decoded form of a published request envelope.
type RequestDescriptor struct {
	// ID is the exchange id correlating this request to its response.
	ID string
	// Timestamp is when the request was serialized (UTC).
	Timestamp time.Time
	// Version is the envelope format version tag.
	Version string

	Method      string
	URL         string
	Headers     map[string]string
	Body        []byte
	HTTPVersion string

	// ContentHash is the hex SHA-256 digest of Body recorded at encode time.
	ContentHash string
	// MaxResponseSize advertises the response size cap to the forwarder.
	MaxResponseSize int64
}

// ResponseDescriptor is the decoded form of a published response envelope.
type ResponseDescriptor struct {
	// ID matches the exchange id of the originating request.
	ID string
	// ProcessedAt is when the forwarder produced this response (UTC).
	ProcessedAt time.Time
	// Version is the envelope format version tag.
	Version string

	StatusCode  int
	Reason      string
	Headers     map[string]string
	Body        []byte
	HTTPVersion string

	// BodyHash is the hex SHA-256 digest of Body (post-filtering) recorded
	// at encode time.
	BodyHash string
	// Filtered is true when the security gate replaced the body.
	Filtered bool
	// ScanResults is an observational placeholder carried for forward
	// compatibility; current policy never blocks on it.
	ScanResults map[string]bool
}

// DecodeError reports a malformed envelope. Field names the offending
// envelope field.
type DecodeError struct {
	Field string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode envelope: field %s: %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("decode envelope: missing required field %s", e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Digest returns the hex-encoded SHA-256 digest of body. An empty or nil
// body digests to the SHA-256 of zero bytes, matching encode-time behavior.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity recomputes the body digest and compares it to the one
// recorded at encode time. A mismatch indicates a partially observed write
// or on-disk corruption; the body must not be delivered.
func (d *ResponseDescriptor) VerifyIntegrity() bool {
	return Digest(d.Body) == d.BodyHash
}

// Wire representation. The envelope is a three-block JSON object shared by
// both descriptor kinds: metadata, request|response, security.

type metadataBlock struct {
	RequestID   string `json:"request_id"`
	Timestamp   string `json:"timestamp,omitempty"`
	ProcessedAt string `json:"processed_at,omitempty"`
	Version     string `json:"version_tag"`
}

type requestBlock struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Content     string            `json:"content"`
	HTTPVersion string            `json:"http_version"`
}

type responseBlock struct {
	StatusCode  int               `json:"status_code"`
	Reason      string            `json:"reason"`
	Headers     map[string]string `json:"headers"`
	Content     string            `json:"content"`
	HTTPVersion string            `json:"http_version"`
}

type requestSecurity struct {
	ContentHash     string `json:"content_hash"`
	MaxResponseSize int64  `json:"max_response_size,omitempty"`
}

type responseSecurity struct {
	ResponseHash    string          `json:"response_hash"`
	ContentFiltered bool            `json:"content_filtered"`
	ScanResults     map[string]bool `json:"scan_results,omitempty"`
}

type requestEnvelope struct {
	Metadata metadataBlock   `json:"metadata"`
	Request  requestBlock    `json:"request"`
	Security requestSecurity `json:"security"`
}

type responseEnvelope struct {
	Metadata metadataBlock    `json:"metadata"`
	Response responseBlock    `json:"response"`
	Security responseSecurity `json:"security"`
}

// EncodeRequest serializes a request descriptor for the given exchange id.
// The body digest is computed here and embedded under the security block.
func EncodeRequest(id, method, url string, headers map[string]string, body []byte, maxResponseSize int64) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	env := requestEnvelope{
		Metadata: metadataBlock{
			RequestID: id,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Version:   VersionTag,
		},
		Request: requestBlock{
			Method:      method,
			URL:         url,
			Headers:     headers,
			Content:     base64.StdEncoding.EncodeToString(body),
			HTTPVersion: defaultHTTPVersion,
		},
		Security: requestSecurity{
			ContentHash:     Digest(body),
			MaxResponseSize: maxResponseSize,
		},
	}
	return json.MarshalIndent(env, "", "  ")
}

// EncodeResponse serializes a response descriptor for the given exchange id.
// The digest is computed over body exactly as passed, so a filtered body is
// hashed after filtering (the recorded digest always matches the delivered
// content).
func EncodeResponse(id string, status int, reason string, headers map[string]string, body []byte, filtered bool) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	env := responseEnvelope{
		Metadata: metadataBlock{
			RequestID:   id,
			ProcessedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Version:     VersionTag,
		},
		Response: responseBlock{
			StatusCode:  status,
			Reason:      reason,
			Headers:     headers,
			Content:     base64.StdEncoding.EncodeToString(body),
			HTTPVersion: defaultHTTPVersion,
		},
		Security: responseSecurity{
			ResponseHash:    Digest(body),
			ContentFiltered: filtered,
			ScanResults:     map[string]bool{"malware": false, "suspicious_content": false},
		},
	}
	return json.MarshalIndent(env, "", "  ")
}

// DecodeRequest parses a request envelope. Unknown extra fields are
// ignored for forward compatibility; missing required fields, malformed
// body encoding, and unparseable timestamps return a *DecodeError.
func DecodeRequest(data []byte) (*RequestDescriptor, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Field: "envelope", Cause: err}
	}
	if env.Metadata.RequestID == "" {
		return nil, &DecodeError{Field: "metadata.request_id"}
	}
	if env.Request.Method == "" {
		return nil, &DecodeError{Field: "request.method"}
	}
	if env.Request.URL == "" {
		return nil, &DecodeError{Field: "request.url"}
	}
	ts, err := parseTimestamp(env.Metadata.Timestamp, "metadata.timestamp")
	if err != nil {
		return nil, err
	}
	body, err := base64.StdEncoding.DecodeString(env.Request.Content)
	if err != nil {
		return nil, &DecodeError{Field: "request.content", Cause: err}
	}
	return &RequestDescriptor{
		ID:              env.Metadata.RequestID,
		Timestamp:       ts,
		Version:         env.Metadata.Version,
		Method:          env.Request.Method,
		URL:             env.Request.URL,
		Headers:         orEmpty(env.Request.Headers),
		Body:            body,
		HTTPVersion:     env.Request.HTTPVersion,
		ContentHash:     env.Security.ContentHash,
		MaxResponseSize: env.Security.MaxResponseSize,
	}, nil
}

// DecodeResponse parses a response envelope with the same error contract
// as DecodeRequest.
func DecodeResponse(data []byte) (*ResponseDescriptor, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Field: "envelope", Cause: err}
	}
	if env.Metadata.RequestID == "" {
		return nil, &DecodeError{Field: "metadata.request_id"}
	}
	if env.Response.StatusCode == 0 {
		return nil, &DecodeError{Field: "response.status_code"}
	}
	ts, err := parseTimestamp(env.Metadata.ProcessedAt, "metadata.processed_at")
	if err != nil {
		return nil, err
	}
	body, err := base64.StdEncoding.DecodeString(env.Response.Content)
	if err != nil {
		return nil, &DecodeError{Field: "response.content", Cause: err}
	}
	return &ResponseDescriptor{
		ID:          env.Metadata.RequestID,
		ProcessedAt: ts,
		Version:     env.Metadata.Version,
		StatusCode:  env.Response.StatusCode,
		Reason:      env.Response.Reason,
		Headers:     orEmpty(env.Response.Headers),
		Body:        body,
		HTTPVersion: env.Response.HTTPVersion,
		BodyHash:    env.Security.ResponseHash,
		Filtered:    env.Security.ContentFiltered,
		ScanResults: env.Security.ScanResults,
	}, nil
}

func parseTimestamp(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, &DecodeError{Field: field}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &DecodeError{Field: field, Cause: err}
	}
	return ts.UTC(), nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
