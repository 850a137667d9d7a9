package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	iduuid "github.com/openparcels/parcel-ingest/internal/id/uuid"
	"github.com/openparcels/parcel-ingest/internal/orchestrator"
	"github.com/openparcels/parcel-ingest/internal/parcel"
)

type startBatchRequest struct {
	StartAfter   *int64 `json:"start_after"`
	Ceiling      *int64 `json:"ceiling"`
	UnitSize     *int   `json:"unit_size"`
	RequireGPIN  *bool  `json:"require_gpin"`
	SkipExisting *bool  `json:"skip_existing"`
}

func (req startBatchRequest) options(defaults parcel.BatchOptions) parcel.BatchOptions {
	opts := defaults
	if req.StartAfter != nil {
		opts.StartAfter = *req.StartAfter
	}
	if req.Ceiling != nil {
		opts.Ceiling = *req.Ceiling
	}
	if req.UnitSize != nil {
		opts.UnitSize = *req.UnitSize
	}
	if req.RequireGPIN != nil {
		opts.RequireGPIN = *req.RequireGPIN
	}
	if req.SkipExisting != nil {
		opts.SkipExisting = *req.SkipExisting
	}
	return opts
}

type batchResponse struct {
	parcel.BatchRecord
	Percentage float64 `json:"percentage"`
}

func toBatchResponse(rec parcel.BatchRecord) batchResponse {
	return batchResponse{BatchRecord: rec, Percentage: rec.Percentage()}
}

type listBatchesResponse struct {
	Batches []batchResponse `json:"batches"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	rec, err := s.batches.Start(r.Context(), req.options(s.opts.Defaults))
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidOptions) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("start batch failed", zap.String("batch_id", rec.ID), zap.Error(err))
		if rec.ID != "" {
			writeJSON(w, http.StatusInternalServerError, toBatchResponse(rec))
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}
	w.Header().Set("Location", "/v1/batches/"+rec.ID)
	writeJSON(w, http.StatusAccepted, toBatchResponse(rec))
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.batches.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	out := make([]batchResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toBatchResponse(rec))
	}
	writeJSON(w, http.StatusOK, listBatchesResponse{Batches: out, Limit: limit, Offset: offset})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	rec, err := s.batches.Poll(r.Context(), id)
	if err != nil {
		s.writeBatchError(w, id, "poll", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(rec))
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	rec, err := s.batches.Cancel(r.Context(), id)
	if err != nil {
		s.writeBatchError(w, id, "cancel", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toBatchResponse(rec))
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	rec, err := s.batches.Resume(r.Context(), id)
	if err != nil {
		s.writeBatchError(w, id, "resume", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toBatchResponse(rec))
}

func batchID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "batch_id")
	if !iduuid.Valid(id) {
		writeError(w, http.StatusNotFound, "batch not found")
		return "", false
	}
	return id, true
}

func (s *Server) writeBatchError(w http.ResponseWriter, id, op string, err error) {
	switch {
	case errors.Is(err, parcel.ErrBatchNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	case errors.Is(err, orchestrator.ErrBatchActive), errors.Is(err, orchestrator.ErrBatchFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("batch "+op+" failed", zap.String("batch_id", id), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, parcel.ErrOrchestratorFatal) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "batch "+op+" failed")
	}
}
