package web

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/LdDl/mot-visitors/storage"
	"github.com/LdDl/mot-visitors/visitors"
	"github.com/LdDl/mot-visitors/web/static"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultEventsLimit = 20
	maxEventsLimit     = 500
)

// StatsResponse is the dashboard summary
type StatsResponse struct {
	visitors.Stats
	CurrentVisitors int            `json:"current_faces"`
	Streams         []StreamStatus `json:"streams,omitempty"`
}

type StreamStatus struct {
	Name            string `json:"name"`
	CurrentVisitors int    `json:"current_faces"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Warn().Err(err).Msg("Can't encode response")
		}
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.history.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Can't read stats")
		respondError(w, http.StatusInternalServerError, "failed to read statistics")
		return
	}
	resp := StatsResponse{Stats: st}
	if s.live != nil {
		for name, n := range s.live() {
			resp.CurrentVisitors += n
			resp.Streams = append(resp.Streams, StreamStatus{Name: name, CurrentVisitors: n})
		}
		sort.Slice(resp.Streams, func(i, j int) bool {
			return resp.Streams[i].Name < resp.Streams[j].Name
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventsLimit)
	}
	events, err := s.history.RecentEvents(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Int("limit", limit).Msg("Can't read recent events")
		respondError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []storage.EventRecord{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) visitor(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	v, err := s.history.Visitor(r.Context(), identity)
	if err != nil {
		if errors.Is(err, storage.ErrVisitorNotFound) {
			respondError(w, http.StatusNotFound, "visitor not found")
			return
		}
		log.Error().Err(err).Str("identity", sanitizeForLog(identity)).Msg("Can't read visitor")
		respondError(w, http.StatusInternalServerError, "failed to read visitor")
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) visitorEvents(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if _, err := s.history.Visitor(r.Context(), identity); err != nil {
		if errors.Is(err, storage.ErrVisitorNotFound) {
			respondError(w, http.StatusNotFound, "visitor not found")
			return
		}
		log.Error().Err(err).Str("identity", sanitizeForLog(identity)).Msg("Can't read visitor")
		respondError(w, http.StatusInternalServerError, "failed to read visitor")
		return
	}
	events, err := s.history.VisitorEvents(r.Context(), identity)
	if err != nil {
		log.Error().Err(err).Str("identity", sanitizeForLog(identity)).Msg("Can't read visitor events")
		respondError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []storage.EventRecord{}
	}
	respondJSON(w, http.StatusOK, events)
}

// serveDashboard serves embedded dashboard assets, index.html for the root
func (s *Server) serveDashboard(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path
	if name == "/" {
		name = "/index.html"
	}
	f, err := static.GetFileSystem().Open(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	contentType := "application/octet-stream"
	switch path.Ext(name) {
	case ".html":
		contentType = "text/html; charset=utf-8"
	case ".css":
		contentType = "text/css; charset=utf-8"
	case ".js":
		contentType = "application/javascript; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		log.Warn().Err(err).Str("path", sanitizeForLog(name)).Msg("Can't write dashboard asset")
	}
}
