package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope wraps the few JSON payloads the service returns. Most of the
// surface speaks XML to the carrier or HTML to a worker's phone; JSON is
// for health and operator tooling.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("json response encode failed", "error", err)
	}
}
