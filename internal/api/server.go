// Package api is the REST control plane. Every response is JSON with
// an "ok" flag; errors carry a single "error" string and a status code
// derived from the engine's sentinel errors.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"picavault/internal/analytics"
	"picavault/internal/config"
	"picavault/internal/engine"
	"picavault/internal/fetch"
	"picavault/internal/library"
	"picavault/internal/storage"
)

const maxBodyBytes = 1 << 20

type Server struct {
	engine *engine.Engine
	store  *storage.Storage
	lib    *library.Library
	stats  *analytics.Manager
	apiKey string
	router *chi.Mux
}

func NewServer(eng *engine.Engine, store *storage.Storage, lib *library.Library, apiKey string) *Server {
	s := &Server{
		engine: eng,
		store:  store,
		lib:    lib,
		stats:  analytics.NewManager(store),
		apiKey: apiKey,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler exposes the router; tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.requireAPIKey)
		}

		r.Post("/tasks/download", s.handleCreateDownload)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/config", s.handleGetConfig)
		r.Put("/tasks/config", s.handlePutConfig)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleDeleteTask)
		r.Post("/tasks/{id}/{op:pause|resume|cancel|retry}", s.handleTaskOp)

		r.Put("/auth/{source}", s.handlePutAuth)
		r.Get("/auth/{source}", s.handleGetAuth)

		r.Get("/comics", s.handleListComics)
		r.Get("/comics/{id}", s.handleGetComic)
		r.Get("/comics/{id}/cover", s.handleComicCover)
		r.Get("/comics/{id}/pages/*", s.handleComicPage)
		r.Delete("/comics/{id}", s.handleDeleteComic)

		r.Get("/stats", s.handleStats)

		r.Get("/favorites", s.handleListFavorites)
		r.Get("/favorites/{comicId}", s.handleGetFavorite)
		r.Put("/favorites/{comicId}", s.handlePutFavorite)
		r.Delete("/favorites/{comicId}", s.handleDeleteFavorite)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, errors.New("invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============= tasks =============

type createDownloadRequest struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Eps      []int  `json:"eps,omitempty"`
	Title    string `json:"title,omitempty"`
	CoverURL string `json:"coverUrl,omitempty"`
}

func (s *Server) handleCreateDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !config.KnownSource(req.Source) {
		writeError(w, http.StatusBadRequest, engine.ErrUnknownSource)
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, errors.New("target is required"))
		return
	}
	task, err := s.engine.CreateDownloadTask(req.Source, req.Target, engine.DownloadParams{
		Eps:      req.Eps,
		Title:    req.Title,
		CoverURL: req.CoverURL,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "taskId": task.ID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	tasks, err := s.store.ListTasks(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := map[string]any{"ok": true, "task": taskWithParams(task)}
	writeJSON(w, http.StatusOK, out)
}

// taskWithParams inlines the params blob into the task payload.
func taskWithParams(t *storage.Task) map[string]any {
	var params map[string]any
	if t.ParamsJSON != "" {
		json.Unmarshal([]byte(t.ParamsJSON), &params)
	}
	return map[string]any{
		"id":        t.ID,
		"type":      t.Type,
		"source":    t.Source,
		"target":    t.Target,
		"params":    params,
		"status":    t.Status,
		"progress":  t.Progress,
		"total":     t.Total,
		"message":   t.Message,
		"comicId":   t.ComicID,
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}
}

func (s *Server) handleTaskOp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	switch chi.URLParam(r, "op") {
	case "pause":
		err = s.engine.Pause(id)
	case "resume":
		err = s.engine.Resume(id)
	case "cancel":
		err = s.engine.Cancel(id)
	case "retry":
		err = s.engine.Retry(id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type putConfigRequest struct {
	MaxConcurrent  *int `json:"maxConcurrent,omitempty"`
	FileConcurrent *int `json:"fileConcurrent,omitempty"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	p := s.engine.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"maxConcurrent":  p.MaxConcurrent,
		"fileConcurrent": p.FileConcurrentDefault,
	})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p := s.engine.Policy()
	if req.MaxConcurrent != nil {
		p = s.engine.SetMaxConcurrent(*req.MaxConcurrent)
	}
	if req.FileConcurrent != nil {
		p = s.engine.SetFileConcurrent(*req.FileConcurrent)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"maxConcurrent":  p.MaxConcurrent,
		"fileConcurrent": p.FileConcurrentDefault,
	})
}

// ============= auth =============

// handlePutAuth stores the credential blob verbatim: the server never
// interprets or refreshes it, the adapters read individual keys.
func (s *Server) handlePutAuth(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !config.KnownSource(source) {
		writeError(w, http.StatusBadRequest, engine.ErrUnknownSource)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("body is not valid JSON"))
		return
	}
	if err := s.store.SaveAuth(source, string(body)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetAuth(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !config.KnownSource(source) {
		writeError(w, http.StatusBadRequest, engine.ErrUnknownSource)
		return
	}
	sess, err := s.store.GetAuth(source)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "exists": false})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "exists": true, "updatedAt": sess.UpdatedAt})
}

// ============= comics =============

func (s *Server) handleListComics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	comics, err := s.store.ListComics(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "comics": comics})
}

func (s *Server) handleGetComic(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetComic(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var tags []string
	json.Unmarshal([]byte(c.TagsJSON), &tags)
	var meta map[string]any
	json.Unmarshal([]byte(c.MetaJSON), &meta)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"comic": map[string]any{
			"id":        c.ID,
			"title":     c.Title,
			"subtitle":  c.Subtitle,
			"type":      c.Type,
			"tags":      tags,
			"directory": c.Directory,
			"time":      c.Time,
			"size":      c.Size,
			"coverPath": c.CoverPath,
			"meta":      meta,
		},
	})
}

// handleComicCover serves the committed cover image straight off disk.
func (s *Server) handleComicCover(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetComic(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if c.CoverPath == "" {
		writeError(w, http.StatusNotFound, errors.New("comic has no cover"))
		return
	}
	s.serveComicFile(w, r, c, c.CoverPath)
}

// handleComicPage serves one page file; the wildcard covers both flat
// (pages/3.jpg) and chaptered (pages/2/3.jpg) layouts.
func (s *Server) handleComicPage(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetComic(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.serveComicFile(w, r, c, "pages/"+chi.URLParam(r, "*"))
}

func (s *Server) serveComicFile(w http.ResponseWriter, r *http.Request, c *storage.Comic, rel string) {
	path, err := s.lib.FilePath(c.Directory, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, errors.New("file not found"))
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleDeleteComic(w http.ResponseWriter, r *http.Request) {
	if err := s.lib.DeleteComic(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stats": snap})
}

// ============= favorites =============

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	favs, err := s.store.ListFavorites()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "favorites": favs})
}

func (s *Server) handleGetFavorite(w http.ResponseWriter, r *http.Request) {
	fav, err := s.store.GetFavorite(chi.URLParam(r, "comicId"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "favorite": fav})
}

func (s *Server) handlePutFavorite(w http.ResponseWriter, r *http.Request) {
	comicID := chi.URLParam(r, "comicId")
	if _, err := s.store.GetComic(comicID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var req struct {
		Folder string `json:"folder"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveFavorite(comicID, req.Folder); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteFavorite(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFavorite(chi.URLParam(r, "comicId")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ============= helpers =============

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// statusFor maps engine and storage errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAlreadyDownloaded),
		errors.Is(err, engine.ErrTaskExists),
		errors.Is(err, engine.ErrTaskRunning),
		errors.Is(err, engine.ErrBadState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnknownSource), fetch.IsArg(err):
		return http.StatusBadRequest
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}
