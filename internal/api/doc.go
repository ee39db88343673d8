// Package api hosts the REST fallback surface of the coordinator.
//
// Every route except /healthz is authenticated with the same auth.Verifier the
// realtime gateway uses, so a client that cannot hold a websocket open can
// still drive live sessions, send messages and read notifications. Handlers
// delegate to the live, messaging and storage packages injected through
// Config; the package keeps no globals.
//
// Failures are rendered as {"error":{"code","message"}} with the status
// apperr.HTTPStatus assigns to the error kind, the same codes the websocket
// error frames carry. Request bodies are validated with struct tags before
// they reach a service.
package api
