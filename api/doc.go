// Package api holds the request and response types of the CarbonFlow HTTP API.
//
// # API Overview
//
// CarbonFlow exposes the workflow orchestration engine over REST:
//   - Workflow definitions: create, list, read (optionally a past version),
//     patch into a new version, archive
//   - Executions: start manually, list with filters, read, cancel
//   - Events: publish domain events that trigger workflows, read the recent
//     event buffer, subscribe over WebSocket at /api/v1/events/stream
//   - Agents: per-instance load and success counters
//   - Health, readiness and version probes
//
// Every JSON response uses the envelope
//
//	{"success": true, "data": ..., "error": {"code": "...", "message": "..."}, "timestamp": "..."}
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Prometheus metrics are served on a separate port (9091 by default).
package api
