// Package api hosts the HTTP handlers that front the relaycast orchestrator.
//
// Ingest callbacks arrive from an nginx-rtmp style media server as form or
// query encoded POSTs and are authenticated with an optional shared token.
// Operator routes trust the requester identity header set by the
// authenticating proxy in front of the service; the handlers themselves never
// issue sessions.
//
// Handlers translate orchestrator errors to status codes in one place
// (statusForError) and otherwise stay thin: validation of lifecycle
// preconditions and permissions happens in the orchestrator.
package api
