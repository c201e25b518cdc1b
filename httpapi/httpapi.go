// Package httpapi provides JSON response helpers shared by the relay
// daemon's HTTP surface.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// Response is the generic envelope for non-websocket responses.
type Response struct {
	// Message is a short human-readable sentence, capitalized and
	// punctuated.
	Message string `json:"message"`
	// Detail carries the underlying error text, if any.
	Detail string `json:"detail,omitempty"`
}

// Write encodes the response as JSON and writes it with the given status.
// Encoding happens into a buffer first so a marshal failure never produces a
// half-written body.
func Write(_ context.Context, rw http.ResponseWriter, status int, response any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}
