package files

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
)

// Server serves input files and stores uploaded result files.
type Server struct {
	inputDir  string
	resultDir string
	tee       log.Tee
}

// NewServer creates a file server from the files section of the config.
func NewServer(cfg config.ServerFiles, tee log.Tee) (*Server, error) {
	for _, dir := range []string{cfg.InputFilesDir, cfg.ResultFilesDir} {
		if dir == "" {
			return nil, fmt.Errorf("input_files_dir and result_files_dir are required")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return &Server{inputDir: cfg.InputFilesDir, resultDir: cfg.ResultFilesDir, tee: tee}, nil
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/input-files/{name}", s.getFile(s.inputDir))
	r.Get("/result-files/{name}", s.getFile(s.resultDir))
	r.Post("/result-files/{name}", s.putResultFile)
	return r
}

func (s *Server) getFile(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, ok := safeJoin(dir, chi.URLParam(r, "name"))
		if !ok {
			http.Error(w, "invalid file name", http.StatusBadRequest)
			return
		}
		http.ServeFile(w, r, path)
	}
}

func (s *Server) putResultFile(w http.ResponseWriter, r *http.Request) {
	path, ok := safeJoin(s.resultDir, chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	f, err := os.Create(path)
	if err != nil {
		s.tee(fmt.Sprintf("Result file %s failed: %v", path, err))
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, r.Body); err != nil {
		s.tee(fmt.Sprintf("Result file %s failed: %v", path, err))
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// safeJoin resolves name inside dir, rejecting path traversal.
func safeJoin(dir, name string) (string, bool) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	return filepath.Join(dir, name), true
}
