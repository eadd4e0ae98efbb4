// Package main hosts the harvester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and item management endpoints. Submissions are
//     normalized into acquisition requests, fingerprinted for dedup, and enqueued; duplicates of active or
//     already-succeeded work return the existing item ID.
//   - Queue: items flow through a state-machine queue (memory or Postgres) with exponential, jittered backoff on
//     transient failures, quota-aware deferral, permanent-failure short circuits, and a dead state after the
//     attempt budget is exhausted. A reaper returns stale in-progress claims to the queue without charging an
//     attempt.
//   - Acquisition pipeline: workers claim ready items and run the strategy cascade in cost order. Each strategy is
//     gated by a non-blocking sliding-window rate limiter, calendar-period quotas for metered providers, and a
//     session check for strategies that need site credentials. The first result the quality gate accepts wins.
//   - Persistence & fanout: accepted content is written to the configured BlobStore (memory/local/GCS) under its
//     content hash, and a compact terminal event is published to Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler. The service is stateless across
//     requests when backed by Postgres, suitable for Cloud Run scale-out.
//
// Operational notes:
//   - Concurrency model: a fixed worker pool polls the queue; claim exclusivity comes from the queue backend
//     (FOR UPDATE SKIP LOCKED on Postgres). Shutdown is coordinated via context cancellation, and in-flight items
//     finish reporting on a detached context so they are not stranded in progress.
//   - Cancellation: operators can cancel items mid-flight; workers observe the flag between strategy attempts.
//   - Observability: zap logs carry item IDs and strategies at key transitions; Prometheus counters/histograms
//     track queue transitions, attempt outcomes, and HTTP activity.
//
// Quick checklist:
//   - Configure env vars: HARVESTER_SERVER_PORT, HARVESTER_QUEUE_BACKEND, HARVESTER_DB_DSN, storage
//     (HARVESTER_STORAGE_*), and pubsub when fanout beyond memory is required.
//   - Run locally: go run ./cmd/harvester -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM for graceful drain with in-flight work bounded by per-attempt timeouts.
package main
