// Package api serves the consolidation HTTP API and the MCP tool surface.
package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/consolida/internal/rules"
	"github.com/kalambet/consolida/internal/storage"
	"github.com/kalambet/consolida/internal/worker"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultUploadLimit = 256 << 20
)

// RunStore is the part of the store the HTTP API reads and writes.
type RunStore interface {
	worker.Queue
	GetRun(id string) (storage.Run, error)
	ListRuns(limit, offset int) ([]storage.Run, error)
	GetAttempts(runID string) ([]storage.Attempt, error)
	JobCounts() (map[string]int, error)
}

type AppDeps struct {
	Store RunStore
	Token string
	Rules rules.Source
	// DataDir receives uploaded archives under uploads/.
	DataDir        string
	MaxUploadBytes int64
}

type SubmitRequest struct {
	Source string `json:"source"`
}

// RunDetail is a run with its attempt history.
type RunDetail struct {
	storage.Run
	History []storage.Attempt `json:"history"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Rules == nil {
		deps.Rules = rules.Static(rules.Default())
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultUploadLimit
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	r.Get("/rules", handleRules(deps.Rules))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/consolidations", handleSubmit(deps))
		r.Post("/consolidations/upload", handleUpload(deps))
		r.Get("/consolidations", handleListRuns(deps))
		r.Get("/consolidations/{id}", handleGetRun(deps))
		r.Get("/consolidations/{id}/output", handleGetOutput(deps))
	})
	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) ||
				subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleRules publishes the rule set src returns. Empty lists encode as [].
func handleRules(src rules.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs, err := src.Fetch(r.Context())
		if err != nil {
			slog.Error("serving rules", "error", err)
			httpError(w, http.StatusServiceUnavailable, "server_error", "rules unavailable")
			return
		}
		if rs.Required == nil {
			rs.Required = []string{}
		}
		if rs.Constraints == nil {
			rs.Constraints = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rs)
	}
}

// Health is the /health body. Jobs counts queued work by job status.
type Health struct {
	Status string         `json:"status"`
	Jobs   map[string]int `json:"jobs,omitempty"`
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := Health{Status: "ok"}
		if counts, err := deps.Store.JobCounts(); err == nil {
			h.Jobs = counts
		} else {
			slog.Warn("counting jobs", "error", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h)
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Source) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
			return
		}

		id, err := worker.Enqueue(deps.Store, req.Source, "api")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue consolidation: %v", err)
			return
		}
		writeQueued(w, id)
	}
}

// zipMagic covers local file headers and the empty-archive end record.
var zipMagic = [][]byte{[]byte("PK\x03\x04"), []byte("PK\x05\x06")}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		defer r.Body.Close()

		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "archive exceeds %d bytes", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		if !isZip(data) {
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "body is not a ZIP archive")
			return
		}

		dir := filepath.Join(deps.DataDir, "uploads")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}
		path := filepath.Join(dir, uploadName(r.URL.Query().Get("name")))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}

		id, err := worker.Enqueue(deps.Store, path, "upload")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue consolidation: %v", err)
			return
		}
		slog.Info("archive uploaded", "run_id", id, "path", path, "bytes", len(data))
		writeQueued(w, id)
	}
}

func isZip(data []byte) bool {
	for _, m := range zipMagic {
		if bytes.HasPrefix(data, m) {
			return true
		}
	}
	return false
}

// uploadName keeps a sanitized client file name behind a unique prefix.
func uploadName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == "/" || base == "" {
		base = "archive.zip"
	}
	base = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, base)
	if !strings.EqualFold(filepath.Ext(base), ".zip") {
		base += ".zip"
	}
	return uuid.New().String()[:8] + "-" + base
}

func writeQueued(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"id":     id,
		"status": storage.RunQueued,
	})
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)
		if limit > 100 {
			limit = 100
		}

		runs, err := deps.Store.ListRuns(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		attempts, err := deps.Store.GetAttempts(run.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get attempts: %v", err)
			return
		}
		if attempts == nil {
			attempts = []storage.Attempt{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RunDetail{Run: run, History: attempts})
	}
}

func handleGetOutput(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		if run.Status != storage.RunSucceeded || run.OutputPath == "" {
			httpError(w, http.StatusConflict, "invalid_request_error", "run %s has no output (status %s)", run.ID, run.Status)
			return
		}
		f, err := os.Open(run.OutputPath)
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "output file missing: %v", err)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, run.ID))
		io.Copy(w, f)
	}
}

func lookupRun(w http.ResponseWriter, deps AppDeps, id string) (storage.Run, bool) {
	run, err := deps.Store.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "run %s not found", id)
		return storage.Run{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
		return storage.Run{}, false
	}
	return run, true
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
