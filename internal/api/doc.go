// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches and /v1/batches/{id}/cancel|resume to drive batch runs.
//   - POST /v1/scan/start|stop and GET /v1/scan/progress for the cursor scan.
//   - GET /v1/parcels/{id} to read a stored parcel.
package api
