package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/evaloor/pkg/blob"
	"github.com/ethpandaops/evaloor/pkg/summary"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps not-found conditions to 404 and everything else to 500.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, summary.ErrNotFound) || errors.Is(err, blob.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})

		return
	}

	s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")

	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal server error"})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleServerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.State())
}

// handleEvents streams server-state transitions.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("stream", stateStream)
	r.URL.RawQuery = q.Encode()

	s.events.ServeHTTP(w, r)
}

func (s *server) handleMenuItems(w http.ResponseWriter, r *http.Request) {
	menu, err := s.summary.MenuItems(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, menu)
}

func (s *server) handleEval(w http.ResponseWriter, r *http.Request) {
	name, at, ok := evalParams(w, r)
	if !ok {
		return
	}

	detail, err := s.summary.Eval(r.Context(), name, at)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	name, at, ok := evalParams(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"index must be an integer"})

		return
	}

	detail, err := s.summary.Result(r.Context(), name, at, index)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// evalParams reads the name and optional timestamp query parameters,
// writing a 400 when they are malformed.
func evalParams(w http.ResponseWriter, r *http.Request) (string, *time.Time, bool) {
	q := r.URL.Query()

	name := q.Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"name is required"})

		return "", nil, false
	}

	raw := q.Get("timestamp")
	if raw == "" {
		return name, nil, true
	}

	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"timestamp must be RFC 3339"})

		return "", nil, false
	}

	return name, &at, true
}

// handleFile serves a content-addressed blob, or redirects to a presigned
// URL when the store supports it.
func (s *server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("path")
	if !blob.ValidName(name) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid file path"})

		return
	}

	if presigner, ok := s.blobs.(blob.Presigner); ok {
		url, err := presigner.PresignGet(r.Context(), name)
		if err != nil {
			s.log.WithError(err).WithField("path", name).Warn("Failed to generate presigned URL")
			writeJSON(w, http.StatusBadGateway, errorResponse{"presign failed"})

			return
		}

		http.Redirect(w, r, url, http.StatusFound)

		return
	}

	data, err := s.blobs.Get(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", blob.ContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	// Names are content hashes, so a name always maps to the same bytes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	_, _ = w.Write(data)
}
