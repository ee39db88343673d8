// Package server hosts the REST surface and the realtime endpoint behind one
// HTTP server.
//
// The server builds a consistent middleware chain of request ids, logging,
// metrics, security headers, CORS and rate limiting so every route shares the
// same protections and instrumentation. Run supervises the listener together
// with the background loops the coordinator needs.
package server
