// Package api serves the HTTP endpoints of the compute, image, identity and
// database services.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"dwarf-go/internal/dwarf"
)

// Endpoints are the addresses advertised in version documents and the
// identity service catalog.
type Endpoints struct {
	Host         string
	ComputePort  int
	ImagePort    int
	IdentityPort int
}

func (e Endpoints) compute() string  { return fmt.Sprintf("http://%s:%d", e.Host, e.ComputePort) }
func (e Endpoints) image() string    { return fmt.Sprintf("http://%s:%d", e.Host, e.ImagePort) }
func (e Endpoints) identity() string { return fmt.Sprintf("http://%s:%d", e.Host, e.IdentityPort) }

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// responder writes JSON responses and maps errors to status codes.
type responder struct {
	logger dwarf.Logger
}

func (rs responder) json(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		rs.logger.Warn("failed to encode response", "error", err)
	}
}

// msg writes an error body with an explicit code and message.
func (rs responder) msg(w http.ResponseWriter, code int, message string) {
	rs.json(w, code, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// error maps err to its boundary status. Typed errors carry their reason to
// the client; anything else is logged in full and reported generically.
func (rs responder) error(w http.ResponseWriter, r *http.Request, err error) {
	code := dwarf.StatusCode(err)
	if code >= http.StatusInternalServerError {
		rs.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		rs.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "reason", dwarf.Reason(err))
	}
	rs.msg(w, code, dwarf.Reason(err))
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err == io.EOF {
			return dwarf.Failure(http.StatusBadRequest, "request body is empty")
		}
		return dwarf.Failure(http.StatusBadRequest, "request body is not valid JSON: %v", err)
	}
	return nil
}

func selfLinks(href string) []map[string]string {
	return []map[string]string{{"href": href, "rel": "self"}}
}
