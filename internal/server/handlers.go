package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/blob"
	"github.com/tildaslashalef/anchorsync/internal/facade"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/records"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidPayload), errors.Is(err, queue.ErrUnknownTable),
		errors.Is(err, blob.ErrInvalidCapture):
		return http.StatusBadRequest
	case errors.Is(err, records.ErrRecordNotFound), errors.Is(err, queue.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, blob.ErrCaptureTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, facade.ErrOffline), errors.Is(err, queue.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var write facade.Write
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&write); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding write: %w", err))
		return
	}

	result, err := s.facade.WriteOrQueue(r.Context(), write)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	status := http.StatusOK
	if !result.AppliedOnline {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	counts, err := s.facade.GetPendingCounts(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.facade.ClearPending(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.facade.ForceSyncNow(r.Context())
	if err != nil {
		if errors.Is(err, facade.ErrOffline) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":     "Network unavailable",
				"offline":   true,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	triggered := s.facade.NotifyForeground(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": triggered})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.facade.RetryFailed(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.facade.ListRecords(r.Context(), queue.Table(r.PathValue("table")))
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []*records.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.facade.GetRecord(r.Context(), queue.Table(r.PathValue("table")), r.PathValue("id"))
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePhoto accepts a multipart form with either a "file" part or a
// "native_path" field, plus optional owner_table and owner_id
func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	limit := s.maxBody
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("parsing form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	capture := blob.Capture{
		OwnerTable: r.FormValue("owner_table"),
		OwnerID:    r.FormValue("owner_id"),
		NativePath: r.FormValue("native_path"),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		if capture.Data, err = io.ReadAll(file); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("reading file: %w", err))
			return
		}
		capture.Filename = header.Filename
		capture.ContentType = header.Header.Get("Content-Type")
	case errors.Is(err, http.ErrMissingFile):
		capture.Filename = r.FormValue("filename")
	default:
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := s.facade.CapturePhoto(r.Context(), capture)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.facade.Status(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
