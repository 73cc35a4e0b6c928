// Package server is the HTTP boundary of the generation pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/internal/history"
	"github.com/Catrobat/mArIne3D/internal/utils"
	"github.com/Catrobat/mArIne3D/pkg/pipeline"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Generator runs generation requests, typically a *pipeline.Dispatcher
type Generator interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Stats() pipeline.DispatcherStats
}

// HistoryReader lists past runs
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Options configures the handler
type Options struct {
	Generator Generator
	OutputDir string
	// History is optional; without it /history answers 404
	History HistoryReader
	// Metrics is optional; without it /metrics is not routed
	Metrics     http.Handler
	Recorder    RequestRecorder
	AllowOrigin string
	Logger      *zap.Logger
}

// Server holds the route handlers
type Server struct {
	generator Generator
	outputDir string
	history   HistoryReader
	logger    *zap.Logger
}

type generateRequest struct {
	Concept string `json:"concept"`
	Method  string `json:"method"`
}

type generateResponse struct {
	Status    string   `json:"status"`
	Concept   string   `json:"concept"`
	SessionID string   `json:"session_id,omitempty"`
	GLBFiles  []string `json:"glb_files,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler builds the routed, CORS-enabled handler
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		generator: opts.Generator,
		outputDir: opts.OutputDir,
		history:   opts.History,
		logger:    logger.With(zap.String("component", "api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.HandleFunc("GET /download/{filename}", s.handleDownload)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger, opts.Recorder),
		CORS(opts.AllowOrigin),
	)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	req.Concept = strings.TrimSpace(req.Concept)
	if req.Concept == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: pipeline.ErrEmptyConcept.Error()})
		return
	}
	if req.Method != "" {
		if _, err := types.ParseMethod(req.Method, ""); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	res, err := s.generator.Submit(r.Context(), pipeline.Request{Concept: req.Concept, Method: types.Method(req.Method)})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrDispatcherClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, types.ErrUnknownMethod), errors.Is(err, pipeline.ErrEmptyConcept):
			status = http.StatusBadRequest
		}
		s.logger.Warn("generation request failed", zap.String("concept", req.Concept), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, generateResponse{Status: "error", Concept: req.Concept, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Status:    "done",
		Concept:   res.Concept,
		SessionID: res.SessionID,
		GLBFiles:  res.Files,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.PathValue("filename"))
	if name == "." || name == ".." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}

	f, err := os.Open(filepath.Join(s.outputDir, name))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}

	switch utils.FileExtension(name) {
	case "glb":
		w.Header().Set("Content-Type", "model/gltf-binary")
	case "gltf":
		w.Header().Set("Content-Type", "model/gltf+json")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history is disabled"})
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read history"})
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  s.generator.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
