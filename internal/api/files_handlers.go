package api

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	filename := chi.URLParam(r, "filename")

	a, err := s.manager.DownloadArtifact(r.Context(), sessionID, filename)
	if err != nil {
		s.logger.Info("download", "session_id", sessionID, "filename", filename,
			"error", err, "request_id", requestID(r.Context()))
		writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Content)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": a.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Checksum", a.Checksum)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(a.Content)
	}
}
