// Copyright 2024-2026 Aiku AI

package mirror

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
)

const (
	sessionCookie = "mirror_session"
	sessionTTL    = 7 * 24 * time.Hour

	// maxRequestBodySize bounds admin request bodies (1 MB).
	maxRequestBodySize = 1 << 20
)

// AdminAPI serves the administrative HTTP surface: filter CRUD and
// reordering, retention and dedup configuration, per-source counts, and
// read-only ad-hoc queries. It shares the store and config with the
// pipeline workers; every store call it makes is one serialized logical
// operation, so admin edits can't interleave with a message mid-decision.
type AdminAPI struct {
	store     *Store
	config    *ConfigLoader
	password  string
	statsPath string
	logPath   string

	sessionMu sync.Mutex
	sessions  map[string]time.Time

	log zerolog.Logger
}

func NewAdminAPI(store *Store, config *ConfigLoader, cfg *Config, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		store:     store,
		config:    config,
		password:  cfg.Admin.Password,
		statsPath: cfg.StatsPath(),
		logPath:   cfg.LogPath(),
		sessions:  make(map[string]time.Time),
		log:       log.With().Str("component", "admin").Logger(),
	}
}

// Router builds the HTTP handler.
func (a *AdminAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Post("/login", a.handleLogin)
	r.Post("/logout", a.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(a.requireSession)
		r.Get("/api/stats", a.handleStats)
		r.Get("/api/channels", a.handleChannels)
		r.Get("/api/filters", a.handleListFilters)
		r.Post("/api/filters", a.handleAddFilter)
		r.Put("/api/filters/{id}", a.handleUpdateFilter)
		r.Delete("/api/filters/{id}", a.handleDeleteFilter)
		r.Post("/api/filters/{id}/move-up", a.handleMoveFilter(true))
		r.Post("/api/filters/{id}/move-down", a.handleMoveFilter(false))
		r.Post("/api/sources", a.handleAddSource)
		r.Post("/api/config/cleanup", a.handleCleanupConfig)
		r.Post("/api/config/dedup", a.handleDedupConfig)
		r.Post("/api/query", a.handleQuery)
		r.Get("/api/logs", a.handleLogs)
	})

	return r
}

func (a *AdminAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *AdminAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.password)) != 1 {
		a.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Failed login attempt")
		writeError(w, http.StatusUnauthorized, "wrong password")
		return
	}

	token := random.String(32)
	a.sessionMu.Lock()
	a.pruneSessionsLocked()
	a.sessions[token] = time.Now().Add(sessionTTL)
	a.sessionMu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		a.sessionMu.Lock()
		delete(a.sessions, cookie.Value)
		a.sessionMu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		a.sessionMu.Lock()
		expiry, ok := a.sessions[cookie.Value]
		a.sessionMu.Unlock()
		if !ok || time.Now().After(expiry) {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAPI) pruneSessionsLocked() {
	now := time.Now()
	for token, expiry := range a.sessions {
		if now.After(expiry) {
			delete(a.sessions, token)
		}
	}
}

func (a *AdminAPI) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ReadStats(a.statsPath))
}

func (a *AdminAPI) handleChannels(w http.ResponseWriter, r *http.Request) {
	var sources []string
	if cfg, err := a.config.Load(); err == nil {
		sources = cfg.SourceChannels
	} else {
		a.log.Error().Err(err).Msg("Failed to load config for channel stats")
	}
	stats, err := a.store.ChannelStats(r.Context(), sources)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *AdminAPI) handleListFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := a.store.Filters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if filters == nil {
		filters = []Filter{}
	}
	writeJSON(w, http.StatusOK, filters)
}

type filterRequest struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// validate compile-checks the pattern so a broken rule is rejected at the
// door instead of being silently disabled in the hot path.
func (f *filterRequest) validate() string {
	if f.Pattern == "" {
		return "pattern cannot be empty"
	}
	if _, err := regexp.Compile(f.Pattern); err != nil {
		return "invalid pattern: " + err.Error()
	}
	return ""
}

func (a *AdminAPI) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	id, err := a.store.AddFilter(r.Context(), req.Pattern, req.Replacement)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.log.Info().Int64("filter_id", id).Str("pattern", req.Pattern).Msg("Filter added")
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (a *AdminAPI) handleUpdateFilter(w http.ResponseWriter, r *http.Request) {
	id, ok := a.filterID(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := a.store.UpdateFilter(r.Context(), id, req.Pattern, req.Replacement); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	id, ok := a.filterID(w, r)
	if !ok {
		return
	}
	if err := a.store.DeleteFilter(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleMoveFilter(up bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := a.filterID(w, r)
		if !ok {
			return
		}
		var err error
		if up {
			err = a.store.MoveFilterUp(r.Context(), id)
		} else {
			err = a.store.MoveFilterDown(r.Context(), id)
		}
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *AdminAPI) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"source_id"`
		Name     string `json:"name"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SourceID) == "" {
		writeError(w, http.StatusBadRequest, "source_id cannot be empty")
		return
	}
	sourceID := strings.TrimSpace(req.SourceID)

	err := a.config.Update(func(cfg *Config) {
		for _, existing := range cfg.SourceChannels {
			if existing == sourceID {
				return
			}
		}
		cfg.SourceChannels = append(cfg.SourceChannels, sourceID)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.store.SetChannelLabel(r.Context(), sourceID, req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.log.Info().Str("source_id", sourceID).Msg("Source channel added")
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleCleanupConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days                   *int    `json:"days"`
		Time                   *string `json:"time"`
		ClearCodesWhenDisabled *bool   `json:"clear_codes_when_disabled"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.Time != nil {
		if !cleanupTimeRe.MatchString(strings.TrimSpace(*req.Time)) {
			writeError(w, http.StatusBadRequest, "time must be HH:MM")
			return
		}
	}
	err := a.config.Update(func(cfg *Config) {
		if req.Days != nil {
			cfg.Cleanup.Days = req.Days
		}
		if req.Time != nil {
			cfg.Cleanup.Time = strings.TrimSpace(*req.Time)
		}
		if req.ClearCodesWhenDisabled != nil {
			cfg.Cleanup.ClearCodesWhenDisabled = req.ClearCodesWhenDisabled
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.log.Info().Msg("Cleanup configuration updated")
	w.WriteHeader(http.StatusNoContent)
}

var cleanupTimeRe = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

func (a *AdminAPI) handleDedupConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CodeRegex string `json:"code_regex"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	pattern := strings.TrimSpace(req.CodeRegex)
	if pattern != "" {
		if _, err := regexp.Compile(pattern); err != nil {
			writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
			return
		}
	}
	err := a.config.Update(func(cfg *Config) {
		cfg.Dedup.CodeRegex = pattern
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.log.Info().Str("pattern", pattern).Msg("Dedup pattern updated")
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query cannot be empty")
		return
	}

	columns, rows, err := a.store.ReadOnlyQuery(r.Context(), query)
	if err != nil {
		// Includes write attempts, rejected by the query_only connection.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns": columns,
		"rows":    rows,
	})
}

func (a *AdminAPI) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			lines = n
		}
	}
	lines = min(max(lines, 20), 1000)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(tailFile(a.logPath, lines)))
}

func (a *AdminAPI) filterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter id")
		return 0, false
	}
	return id, true
}

// decodeBody reads a size-capped JSON request body. Writes the error
// response itself and returns false on failure.
func (a *AdminAPI) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// tailFile returns the last maxLines lines of the file at path.
func tailFile(path string, maxLines int) string {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "No logs yet.\n"
	}
	if err != nil {
		return "Failed to read logs: " + err.Error() + "\n"
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n") + "\n"
}
