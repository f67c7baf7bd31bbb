package pkg

import (
	"encoding/json"
	"net/http"
)

// APIResponse is the common envelope for HTTP responses and websocket acks.
// Clients always get the same shape back, whatever the transport.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// OK builds a successful envelope.
func OK(data any) APIResponse {
	return APIResponse{Success: true, Data: data}
}

// Fail builds a failed envelope from an already-localized message.
func Fail(kind, message string) APIResponse {
	return APIResponse{Success: false, Error: message, Kind: kind}
}

// JSON writes a successful response.
func JSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, OK(data))
}

// ErrorWithMessage writes a failed response with a caller-chosen status.
func ErrorWithMessage(w http.ResponseWriter, status int, kind, message string) {
	writeEnvelope(w, status, Fail(kind, message))
}

func writeEnvelope(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
