// Package api is the thin HTTP surface the core exposes to external
// clients: list/search against the document database and playback URI
// resolution. It does not own any indexing state itself.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arborio/mediaindex/pkg/dbsync"
	"github.com/arborio/mediaindex/pkg/plugin"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

const RequestTimeout = 10 * time.Second

// Server wires the DB sync layer and plugin registry behind chi handlers.
type Server struct {
	db dbsync.DocumentDB
	registry *plugin.Registry
}

func NewServer(db dbsync.DocumentDB, registry *plugin.Registry) *Server {
	return &Server{db: db, registry: registry}
}

// Router builds the chi mux. allowedOrigins mirrors the CORS posture
// expected of a loopback/LAN service: an explicit allowlist, not "*".
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept"},
	}))

	r.Route("/api/v0", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Get("/items/{kind}", s.handleSearch)
		r.Get("/play", s.handlePlaybackURI)
	})

	return r
}

type deviceView struct {
	URI string `json:"uri"`
	UUID string `json:"uuid"`
	Mountpoint string `json:"mountpoint"`
	Name string `json:"name"`
	State string `json:"state"`
	Available bool `json:"available"`
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.AllDevices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			URI: d.URI,
			UUID: d.UUID,
			Mountpoint: d.Mountpoint,
			Name: d.GetMeta().Name,
			State: d.State().String(),
			Available: d.Available(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleSearch proxies DocumentDB.Search for one of the three fixed kinds,
// filtering on an optional uri prefix and paginating via ?cursor=.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if _, ok := validKind(kind); !ok {
		http.Error(w, "unknown kind", http.StatusNotFound)
		return
	}

	var where []dbsync.Where
	if prefix := r.URL.Query().Get("uri_prefix"); prefix != "" {
		where = append(where, dbsync.Where{Prop: "uri", Op: dbsync.Prefix, Val: prefix})
	}

	rows, next, err := s.db.Search(r.Context(), kind, where, dbsync.Cursor{Token: r.URL.Query().Get("cursor")})
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("search failed")
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{Rows: rows, NextCursor: next.Token})
}

func (s *Server) handlePlaybackURI(w http.ResponseWriter, r *http.Request) {
	itemURI := r.URL.Query().Get("uri")
	if itemURI == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)
		return
	}

	playURI, err := s.registry.PlaybackURI(itemURI)
	if err != nil {
		log.Warn().Err(err).Str("uri", itemURI).Msg("playback uri resolution failed")
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"playback_uri": playURI})
}

type searchResponse struct {
	Rows []dbsync.Row `json:"rows"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func validKind(kind string) (string, bool) {
	switch kind {
	case "audio_item", "video_item", "image_item":
		return kind, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// ListenAndServe starts the HTTP server on port, blocking until it exits.
func ListenAndServe(port int, handler http.Handler) error {
	addr := fmt.Sprintf(":%d", port)
	log.Info().Str("addr", addr).Msg("starting api server")
	//nolint:gosec // timeouts are enforced per-request via middleware.Timeout
	if err := http.ListenAndServe(addr, handler); err != nil {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}
