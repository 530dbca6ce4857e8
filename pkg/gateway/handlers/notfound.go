package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxnote-ai/voxnote/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeErrorJSON(w, http.StatusNotFound, "not_found_error", "not found", reqID)
}

type apiError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeErrorJSON(w http.ResponseWriter, status int, typ, message, reqID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiError{
		Type:      typ,
		Message:   message,
		RequestID: reqID,
	}})
}
