package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/service"
)

const (
	maxQueryBody  = 1 << 20
	maxCommitBody = 10 << 20
)

// Handler holds API route handlers.
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// versionParam parses a non-negative version id. An empty value is
// models.Latest.
func versionParam(raw string) (models.VersionID, error) {
	if raw == "" {
		return models.Latest, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid version %q", raw)
	}
	return models.VersionID(n), nil
}

// Query handles POST /api/query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	res, err := h.svc.Query(r.Context(), req)
	if err != nil {
		writeError(w, "query", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Commit handles POST /api/versions.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommitBody)
	var req CommitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	if ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`); ifMatch != "" {
		base, err := versionParam(ifMatch)
		if err != nil || base == models.Latest {
			writeJSON(w, http.StatusBadRequest, errorBody("If-Match must be a committed version id"))
			return
		}
		req.BaseVersion = base
	}
	if req.Summary == "" {
		req.Summary = "api commit"
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	v, err := h.svc.Commit(r.Context(), req.Mutations, req.Summary)
	if err != nil {
		writeError(w, "commit", err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/versions/%d", v.ID))
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, v.ID))
	writeJSON(w, http.StatusCreated, v)
}

// Latest handles GET /api/versions/latest.
func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Latest(r.Context())
	if err != nil {
		writeError(w, "latest version", err)
		return
	}
	if id == models.Latest {
		writeJSON(w, http.StatusNotFound, errorBody("no versions committed"))
		return
	}
	h.writeVersion(w, r, id)
}

// GetVersion handles GET /api/versions/{id}.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, err := versionParam(chi.URLParam(r, "id"))
	if err != nil || id == models.Latest {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid version id"))
		return
	}
	h.writeVersion(w, r, id)
}

func (h *Handler) writeVersion(w http.ResponseWriter, r *http.Request, id models.VersionID) {
	v, err := h.svc.Version(r.Context(), id)
	if err != nil {
		writeError(w, "get version", err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, v.ID))
	writeJSON(w, http.StatusOK, v)
}

// Diff handles GET /api/versions/diff.
func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'from' is required"))
		return
	}
	from, err := versionParam(q.Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	to, err := versionParam(q.Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if to == models.Latest {
		if to, err = h.svc.Latest(r.Context()); err != nil {
			writeError(w, "diff", err)
			return
		}
	}
	cs, err := h.svc.Diff(r.Context(), from, to)
	if err != nil {
		writeError(w, "diff", err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// GetVertex handles GET /api/vertices/{id}.
func (h *Handler) GetVertex(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	at, err := versionParam(r.URL.Query().Get("version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	detail, err := h.svc.Vertex(r.Context(), id, at)
	if err != nil {
		writeError(w, "get vertex", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
