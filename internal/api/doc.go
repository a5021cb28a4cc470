// Package api hosts the HTTP server, middleware, and handlers. Routes:
//   - POST /verify and POST / verify an assertion for an audience.
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//
// Verify routes sit behind admission control; probes and metrics do not.
package api
