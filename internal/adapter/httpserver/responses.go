package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

// errorEnvelope is the OpenAI-style {error:{message,type}} body every failed
// request carries.
type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDispatchError renders a classified error as the wire envelope.
func writeDispatchError(w http.ResponseWriter, derr *domain.DispatchError) {
	writeJSON(w, derr.Status, errorEnvelope{Error: apiError{
		Message: derr.Message,
		Type:    string(derr.Kind),
	}})
}

func writeErrorKind(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Message: msg, Type: string(kind)}})
}
