// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/media"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func handleGet(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

// handlePost decodes the JSON body into a T before calling h. An empty
// body decodes as the zero T.
func handlePost[T any](mux *http.ServeMux, path string, h func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		h(w, r, req)
	})
}

// callError maps call and media errors to a status code.
func callError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var devErr *media.DeviceError
	switch {
	case errors.Is(err, call.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNoCall), errors.Is(err, call.ErrNoIncoming):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrWrongKind):
		status = http.StatusBadRequest
	case errors.As(err, &devErr):
		status = http.StatusFailedDependency
	}
	http.Error(w, err.Error(), status)
}
