package web

import (
	"errors"
	"net/http"

	"github.com/mindbrainbody/mbam/internal/logging"
)

// uploadResponse is the JSON shape for a successful scan upload.
type uploadResponse struct {
	UploadID      string  `json:"upload_id"`
	ScanID        int64   `json:"scan_id"`
	ScanNumber    int     `json:"scan_number"`
	SubjectURI    string  `json:"subject_uri"`
	ExperimentURI string  `json:"experiment_uri"`
	ScanURI       *string `json:"scan_uri"`
}

// handleUploadScan accepts a multipart scan file and publishes it into the
// imaging archive. The form must carry the file under the "file" field and a
// "user_id" field naming the experiment's owner.
func (s *Server) handleUploadScan(w http.ResponseWriter, r *http.Request) {
	experimentID, ok := pathID(r, "experimentID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid experiment id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size")
			return
		}
		writeError(w, http.StatusBadRequest, "request must be multipart/form-data with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	userID, ok := formID(r, "user_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "user_id form field is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file form field is required")
		return
	}
	defer file.Close()

	logger := logging.FromContext(r.Context())
	logger.Info("scan upload received",
		"experiment_id", experimentID,
		"user_id", userID,
		"file_name", header.Filename,
		"size", header.Size,
	)

	outcome, err := s.scans.UploadScan(r.Context(), userID, experimentID, file, header.Filename)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSONStatus(w, http.StatusCreated, uploadResponse{
		UploadID:      outcome.UploadID,
		ScanID:        outcome.ScanID,
		ScanNumber:    outcome.ScanNumber,
		SubjectURI:    outcome.SubjectURI,
		ExperimentURI: outcome.ExperimentURI,
		ScanURI:       outcome.ScanURI,
	})
}
