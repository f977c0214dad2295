// Package api hosts the HTTP server, middleware, and REST handlers for job
// owners and the browser extension. Notable routes:
//   - POST /jobs, GET /jobs/{job_id}, POST /jobs/{job_id}/cancel for the job lifecycle.
//   - GET /jobs/{job_id}/captcha and POST /signals for the captcha hand-off.
//   - GET /jobs/{job_id}/transitions for the audit trail when a repository is wired.
//   - GET /events (SSE) and GET /events/ws (WebSocket) for live notifications.
//   - GET /healthz, /readyz for probes and GET /metrics for Prometheus scraping.
package api
