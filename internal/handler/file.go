package handler

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/timeslice/internal/config"
	"github.com/timeslice/internal/fileserver"
)

// FileHandler обслуживает вложения диалогов: загрузка и выдача файлов.
type FileHandler struct {
	cfg     *config.Config
	fileSvc *fileserver.Service
}

func NewFileHandler(cfg *config.Config) *FileHandler {
	return &FileHandler{
		cfg:     cfg,
		fileSvc: fileserver.New(cfg.UploadDir, cfg.MaxUploadSize),
	}
}

type FileUploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize)
	h.fileSvc.Upload(w, r)
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	h.fileSvc.Serve(w, r, filename)
}
