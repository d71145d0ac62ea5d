package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// ArchiveHandler lists archived event files in object storage.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logHandler(logger, "archive")}
}

// ListArchives returns the archived event objects, newest path first.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	infos, err := h.blobs.List(r.Context(), "archive/events/")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path > infos[j].Path })
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos, "count": len(infos)})
}
