package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/orchestrator"
	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/scan"
)

const testBatchID = "0190b6a4-7c3e-7def-8a12-3456789abcde"

func TestServer_StartBatch_AppliesDefaults(t *testing.T) {
	t.Parallel()

	batches := &fakeBatches{}
	server := NewServer(batches, &fakeScan{}, &fakeParcels{}, Options{
		Defaults: parcel.BatchOptions{UnitSize: 30, RequireGPIN: true},
	}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewBufferString(`{"unit_size":25,"start_after":10000050}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "/v1/batches/"+testBatchID, rec.Header().Get("Location"))
	require.Equal(t, parcel.BatchOptions{StartAfter: 10000050, UnitSize: 25, RequireGPIN: true}, batches.started)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, testBatchID, body["batch_id"])
	require.Equal(t, "pending", body["status"])
	require.InDelta(t, 0.0, body["percentage"], 0.001)
}

func TestServer_StartBatch_EmptyBody(t *testing.T) {
	t.Parallel()

	batches := &fakeBatches{}
	server := NewServer(batches, &fakeScan{}, &fakeParcels{}, Options{
		Defaults: parcel.BatchOptions{UnitSize: 30},
	}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 30, batches.started.UnitSize)
}

func TestServer_StartBatch_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		err    error
		failed bool
		want   int
	}{
		{name: "invalid json", body: "{invalid", want: http.StatusBadRequest},
		{name: "invalid options", body: `{"unit_size":500}`, err: orchestrator.ErrInvalidOptions, want: http.StatusBadRequest},
		{name: "planning failed", body: `{}`, err: parcel.Fatal("plan batch", errors.New("db down")), failed: true, want: http.StatusInternalServerError},
		{name: "create failed", body: `{}`, err: parcel.Fatal("create batch", errors.New("db down")), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			batches := &fakeBatches{startErr: tt.err, startFailed: tt.failed}
			server := NewServer(batches, &fakeScan{}, &fakeParcels{}, Options{}, zap.NewNop())

			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewBufferString(tt.body)))

			require.Equal(t, tt.want, rec.Code)
			if tt.failed {
				require.Contains(t, rec.Body.String(), `"status":"failed"`)
			}
		})
	}
}

func TestServer_GetBatch(t *testing.T) {
	t.Parallel()

	batches := &fakeBatches{poll: parcel.BatchRecord{
		ID: testBatchID, Status: parcel.BatchProcessing, TotalJobs: 10, ProcessedJobs: 4, FailedJobs: 1,
	}}
	server := NewServer(batches, &fakeScan{}, &fakeParcels{}, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/"+testBatchID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, parcel.BatchProcessing, body.Status)
	require.InDelta(t, 40.0, body.Percentage, 0.001)
}

func TestServer_BatchErrorsMapToStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		path   string
		fake   *fakeBatches
		want   int
	}{
		{name: "malformed id", method: http.MethodGet, path: "/v1/batches/not-a-uuid", fake: &fakeBatches{}, want: http.StatusNotFound},
		{name: "unknown batch", method: http.MethodGet, path: "/v1/batches/" + testBatchID, fake: &fakeBatches{err: parcel.ErrBatchNotFound}, want: http.StatusNotFound},
		{name: "store down", method: http.MethodGet, path: "/v1/batches/" + testBatchID, fake: &fakeBatches{err: parcel.Fatal("load batch", errors.New("boom"))}, want: http.StatusServiceUnavailable},
		{name: "cancel finished", method: http.MethodPost, path: "/v1/batches/" + testBatchID + "/cancel", fake: &fakeBatches{err: orchestrator.ErrBatchFinished}, want: http.StatusConflict},
		{name: "resume active", method: http.MethodPost, path: "/v1/batches/" + testBatchID + "/resume", fake: &fakeBatches{err: orchestrator.ErrBatchActive}, want: http.StatusConflict},
		{name: "cancel ok", method: http.MethodPost, path: "/v1/batches/" + testBatchID + "/cancel", fake: &fakeBatches{}, want: http.StatusAccepted},
		{name: "resume ok", method: http.MethodPost, path: "/v1/batches/" + testBatchID + "/resume", fake: &fakeBatches{}, want: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := NewServer(tt.fake, &fakeScan{}, &fakeParcels{}, Options{}, zap.NewNop())
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_ListBatches(t *testing.T) {
	t.Parallel()

	batches := &fakeBatches{list: []parcel.BatchRecord{{ID: "b2"}, {ID: "b1"}}}
	server := NewServer(batches, &fakeScan{}, &fakeParcels{}, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches?limit=2&offset=4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body listBatchesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Batches, 2)
	require.Equal(t, 2, body.Limit)
	require.Equal(t, [2]int{2, 4}, batches.listArgs)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches?limit=0", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ScanLifecycle(t *testing.T) {
	t.Parallel()

	scanner := &fakeScan{}
	server := NewServer(&fakeBatches{}, scanner, &fakeParcels{}, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scan/start", bytes.NewBufferString(`{"max_id":10000100}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, parcel.DefaultScanStart, scanner.startID)
	require.Equal(t, int64(10000100), *scanner.maxID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scan/start", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scan/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"is_running":true`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scan/stop", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scan/stop", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ScanStartInvalidRange(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeBatches{}, &fakeScan{}, &fakeParcels{}, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scan/start", bytes.NewBufferString(`{"start_id":5}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetParcel(t *testing.T) {
	t.Parallel()

	owner := "SMITH JOHN"
	sold := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	parcels := &fakeParcels{records: map[string]parcel.Record{
		"10000123": {ID: "10000123", OwnerName: &owner, LatestSaleDate: &sold},
	}}
	server := NewServer(&fakeBatches{}, &fakeScan{}, parcels, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/parcels/10000123", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), owner)
	require.Contains(t, rec.Body.String(), `"latest_sale_date":"2024-03-15"`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/parcels/10000999", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/parcels/abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := NewServer(&fakeBatches{}, &fakeScan{}, &fakeParcels{}, Options{
		Ready: func(context.Context) error { return nil },
	}, zap.NewNop())
	rec := httptest.NewRecorder()
	ready.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(&fakeBatches{}, &fakeScan{}, &fakeParcels{}, Options{
		Ready: func(context.Context) error { return errors.New("pool closed") },
	}, zap.NewNop())
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeBatches{}, &fakeScan{}, &fakeParcels{}, Options{APIKey: "secret"}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scan/progress", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/scan/progress", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scan/progress?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	newTestServer().Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeBatches struct {
	mu          sync.Mutex
	started     parcel.BatchOptions
	startErr    error
	startFailed bool
	poll        parcel.BatchRecord
	list        []parcel.BatchRecord
	listArgs    [2]int
	err         error
}

func (f *fakeBatches) Start(_ context.Context, opts parcel.BatchOptions) (parcel.BatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = opts
	if f.startErr != nil {
		if f.startFailed {
			return parcel.BatchRecord{ID: testBatchID, Status: parcel.BatchFailed}, f.startErr
		}
		return parcel.BatchRecord{}, f.startErr
	}
	return parcel.BatchRecord{ID: testBatchID, Status: parcel.BatchPending, TotalJobs: 3, Options: opts, CreatedAt: time.Unix(100, 0)}, nil
}

func (f *fakeBatches) Poll(_ context.Context, id string) (parcel.BatchRecord, error) {
	if f.err != nil {
		return parcel.BatchRecord{}, f.err
	}
	rec := f.poll
	rec.ID = id
	return rec, nil
}

func (f *fakeBatches) Cancel(_ context.Context, id string) (parcel.BatchRecord, error) {
	if f.err != nil {
		return parcel.BatchRecord{}, f.err
	}
	return parcel.BatchRecord{ID: id, Status: parcel.BatchProcessing, CancelRequested: true}, nil
}

func (f *fakeBatches) Resume(_ context.Context, id string) (parcel.BatchRecord, error) {
	if f.err != nil {
		return parcel.BatchRecord{}, f.err
	}
	return parcel.BatchRecord{ID: id, Status: parcel.BatchProcessing}, nil
}

func (f *fakeBatches) List(_ context.Context, limit, offset int) ([]parcel.BatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listArgs = [2]int{limit, offset}
	return f.list, nil
}

type fakeScan struct {
	mu      sync.Mutex
	state   parcel.ScanState
	startID int64
	maxID   *int64
}

func (f *fakeScan) Start(_ context.Context, startID int64, maxID *int64) (parcel.ScanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if startID < parcel.DefaultScanStart {
		return parcel.ScanState{}, fmt.Errorf("%w: start id too small", scan.ErrInvalidRange)
	}
	if f.state.IsRunning {
		return parcel.ScanState{}, parcel.ErrScanRunning
	}
	f.startID, f.maxID = startID, maxID
	f.state = parcel.ScanState{CurrentID: startID, MaxID: maxID, IsRunning: true}
	return f.state, nil
}

func (f *fakeScan) Stop(context.Context) (parcel.ScanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.IsRunning {
		return parcel.ScanState{}, parcel.ErrScanIdle
	}
	f.state.IsRunning = false
	f.state.ShouldStop = true
	return f.state, nil
}

func (f *fakeScan) Progress(context.Context) (parcel.ScanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

type fakeParcels struct {
	records map[string]parcel.Record
}

func (f *fakeParcels) Get(_ context.Context, id string) (parcel.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return parcel.Record{}, parcel.ErrRecordNotFound
	}
	return rec, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer() *Server {
	return NewServer(&fakeBatches{}, &fakeScan{}, &fakeParcels{}, Options{}, zap.NewNop())
}
