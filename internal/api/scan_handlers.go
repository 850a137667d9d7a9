package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/scan"
)

type startScanRequest struct {
	StartID *int64 `json:"start_id"`
	MaxID   *int64 `json:"max_id"`
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	start := parcel.DefaultScanStart
	if req.StartID != nil {
		start = *req.StartID
	}
	st, err := s.scan.Start(r.Context(), start, req.MaxID)
	if err != nil {
		s.writeScanError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	st, err := s.scan.Stop(r.Context())
	if err != nil {
		s.writeScanError(w, "stop", err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) scanProgress(w http.ResponseWriter, r *http.Request) {
	st, err := s.scan.Progress(r.Context())
	if err != nil {
		s.writeScanError(w, "progress", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeScanError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, scan.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, parcel.ErrScanRunning), errors.Is(err, parcel.ErrScanIdle):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("scan "+op+" failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "scan "+op+" failed")
	}
}
