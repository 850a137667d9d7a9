// Package main hosts the parcel ingest entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, batch, scan and parcel endpoints. Batch requests are
//     validated into parcel.BatchOptions and handed to the orchestrator, which plans work units from the candidate
//     table, persists the batch with its units and enqueues them.
//   - Dispatcher & queue: units flow through a bounded in-memory queue sized by batch.queue_depth and are fanned out to
//     a fixed worker pool sized by batch.workers. Workers claim a unit, fetch and transform each parcel under a unit
//     budget, upsert the collected records in one statement and add the unit's counters atomically.
//   - Fetch pipeline: the record card client goes through a per-host token bucket, retries transient failures a fixed
//     number of times and archives each raw JSON body to the configured BlobStore (memory/local/GCS) before the
//     transformer flattens it into a parcel.Record.
//   - Cursor scan: the legacy single-cursor mode walks a numeric id range one parcel at a time, persisting the cursor
//     after each upsert so a restart refetches at most one id.
//   - Persistence & fanout: parcels, batches, units and the scan cursor live in Postgres (pgx) or in memory when no DSN
//     is configured. Terminal batches publish a BatchEvent to Pub/Sub when a topic is configured. Progress events are
//     buffered by the progress hub and sent to the log and Prometheus sinks.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stop the API, let in-flight units commit within batch.commit_timeout_seconds and leave
//     open batches and a running scan in their durable state. With resume_on_boot set, the next serve process picks
//     them up again.
//   - Commands: serve runs the API; batch runs one batch in the foreground and exits; scan drives the cursor scan.
//
// Quick checklist:
//   - Configure env vars: PARCEL_SERVER_PORT, PARCEL_UPSTREAM_BASE_URL, PARCEL_BATCH_WORKERS, PARCEL_DATABASE_DSN,
//     storage (PARCEL_STORAGE_*) and pubsub (PARCEL_PUBSUB_*).
//   - Run locally: go run ./cmd/parcelingest serve --config config.yaml.
package main
