// Package server hosts the relaycast API from a single HTTP server.
//
// The server builds one middleware chain of request ids, logging, audit,
// metrics, rate limiting and security headers so every route shares the same
// protections and instrumentation. Rate limit counters live in process or,
// when a Redis client is supplied, in Redis so several replicas share them.
package server
