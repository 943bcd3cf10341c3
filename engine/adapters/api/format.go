package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Response is the envelope every REST reply uses.
type Response struct {
	Status   string     `json:"status"` // success | error | warning | info
	Message  string     `json:"message"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody carries the machine-readable failure details.
type ErrorBody struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Metadata is attached to every response.
type Metadata struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	ProcessingTime float64   `json:"processing_time"` // seconds
	Version        string    `json:"version"`
	Server         string    `json:"server"`
}

type requestInfoKey struct{}

type requestInfo struct {
	id    string
	start time.Time
}

// withRequestInfo stamps the request with an ID (honoring X-Request-ID) and
// its arrival time.
func withRequestInfo(r *http.Request) *http.Request {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	info := requestInfo{id: id, start: time.Now()}
	return r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
}

// RequestID returns the request's correlation ID ("" outside a request).
func RequestID(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey{}).(requestInfo); ok {
		return info.id
	}
	return ""
}

// Formatter renders the response envelope.
type Formatter struct {
	Version string
	Server  string
	Debug   bool
}

func (f *Formatter) metadata(r *http.Request) Metadata {
	md := Metadata{Timestamp: time.Now(), Version: f.Version, Server: f.Server}
	if info, ok := r.Context().Value(requestInfoKey{}).(requestInfo); ok {
		md.RequestID = info.id
		md.ProcessingTime = time.Since(info.start).Seconds()
	}
	return md
}

func (f *Formatter) write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Success writes a 200 envelope.
func (f *Formatter) Success(w http.ResponseWriter, r *http.Request, message string, data any) {
	f.write(w, http.StatusOK, Response{Status: "success", Message: message, Data: data, Metadata: f.metadata(r)})
}

// Warning writes a 200 envelope flagged as a warning.
func (f *Formatter) Warning(w http.ResponseWriter, r *http.Request, message string, data any) {
	f.write(w, http.StatusOK, Response{Status: "warning", Message: message, Data: data, Metadata: f.metadata(r)})
}

// Error writes the envelope for code with its mapped HTTP status.
func (f *Formatter) Error(w http.ResponseWriter, r *http.Request, code Code, message string) {
	f.ErrorDetailed(w, r, code, message, "", nil)
}

// ErrorDetailed writes an error envelope with field/details attribution.
func (f *Formatter) ErrorDetailed(w http.ResponseWriter, r *http.Request, code Code, message, field string, details map[string]any) {
	body := &ErrorBody{Code: code, Message: message, Field: field}
	if f.Debug {
		body.Details = details
	}
	f.write(w, code.HTTPStatus(), Response{Status: "error", Message: message, Error: body, Metadata: f.metadata(r)})
}
