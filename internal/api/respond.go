package api

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/h5lab/h5serve/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type errorBody struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	Code        string `json:"code"`
	CurrentETag string `json:"current_etag,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here only
	// truncates the body.
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := engine.Classify(err)
	status := e.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{
		Success:     false,
		Error:       e.Error(),
		Code:        e.Kind.Code(),
		CurrentETag: e.CurrentToken,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{
		Success: false,
		Error:   "no such endpoint",
		Code:    engine.KindNotFound.Code(),
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Success: false,
		Error:   "method not allowed",
		Code:    "method_not_allowed",
	})
}
