// Package api hosts the HTTP server, middleware, and REST handlers over the
// task service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks/distill and /v1/tasks/emails for submission.
//   - GET /v1/tasks/{task_id} for polling and POST .../cancel to stop a task.
//   - GET /v1/tasks/{task_id}/runs for attempt history when a run store is
//     configured.
package api
