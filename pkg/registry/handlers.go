package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"swarmshare/pkg/types"
)

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	fileID := types.FileID(chi.URLParam(r, "fileID"))

	var req types.AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	req.FileID = fileID

	resp, err := s.Registry.Announce(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFileInfo(w http.ResponseWriter, r *http.Request) {
	fileID := types.FileID(chi.URLParam(r, "fileID"))

	info, err := s.Registry.GetFileInfo(fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateShare(w http.ResponseWriter, r *http.Request) {
	fileID := types.FileID(chi.URLParam(r, "fileID"))

	var req types.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	resp, err := s.Registry.UpdateShare(fileID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	files, seeders := s.Registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"files":   files,
		"seeders": seeders,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps registry sentinels onto HTTP statuses. Rate limits carry
// a Retry-After header so clients know when to come back.
func writeError(w http.ResponseWriter, err error) {
	if rl, ok := AsRateLimited(err); ok {
		seconds := int(rl.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrChecksumMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
