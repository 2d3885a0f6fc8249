package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// ArchiveHandler exposes settled auctions exported to object storage.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler listing objects under prefix.
func NewArchiveHandler(blobs domain.BlobReader, prefix string, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, prefix: prefix, logger: logger.With(slog.String("handler", "archive"))}
}

// ListArchives returns the archive objects.
// GET /api/archive
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	objs, err := h.blobs.List(r.Context(), h.prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archive failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}
	if objs == nil {
		objs = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objs})
}

// GetArchive streams one JSONL archive file.
// GET /api/archive/{name}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "invalid archive name")
		return
	}

	rc, err := h.blobs.Get(r.Context(), path.Join(h.prefix, name))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get archive failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read archive")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted", slog.String("error", err.Error()))
	}
}
