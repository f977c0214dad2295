// The main package for the scrape-orchestrator executable.
//
// Architecture overview:
//   - HTTP API: internal/api exposes job submission, status, cancellation, captcha
//     signals, and per-user event streams (SSE and WebSocket).
//   - Dispatcher and queue: submissions are recorded through the transition gate in
//     internal/jobs and enqueued on a leased queue (memory or Postgres). One worker
//     pool per configured region claims items; the region router sends mismatched
//     claims back toward the job's preferred region.
//   - Automation: each claimed job runs in a chromedp tab (or a colly session) that
//     reports challenges to the captcha coordinator, which pauses the job until a
//     human solves it or the deadline passes.
//   - Persistence and fanout: results land in the configured blob store; terminal
//     transitions go to Pub/Sub and every transition to the progress sinks.
//
// Run locally: go run . serve --config config.yaml
package main

import "github.com/JakeFAU/scrape-orchestrator/cmd"

func main() {
	cmd.Execute()
}
