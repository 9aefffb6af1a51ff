// Package problem renders RFC 7807 error bodies for the loyalty API.
package problem

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	contentType = "application/problem+json"
	baseTypeURL = "https://errors.cveti.app/"

	traceHeader = "X-Trace-ID"
)

// Details is the problem+json body. Code repeats the type slug so the
// Mini-App can switch on it without parsing URLs.
type Details struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
}

func Type(slug string) string {
	return baseTypeURL + slug
}

// Code returns the slug part of a problem type built by Type.
func Code(problemType string) string {
	if !strings.HasPrefix(problemType, baseTypeURL) {
		return ""
	}
	return strings.TrimPrefix(problemType, baseTypeURL)
}

// New fills in the defaults Write would use.
func New(r *http.Request, status int, problemType, title, detail string) Details {
	if title == "" {
		title = http.StatusText(status)
	}
	if problemType == "" {
		problemType = "about:blank"
	}
	d := Details{
		Type:   problemType,
		Code:   Code(problemType),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		d.Instance = r.URL.Path
		d.RequestID = r.Header.Get(traceHeader)
	}
	return d
}

// Write sends an RFC 7807 error.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	d := New(r, status, problemType, title, detail)
	if traceID := w.Header().Get(traceHeader); traceID != "" {
		d.RequestID = traceID
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}
