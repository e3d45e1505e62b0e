// Package networks defines the contract every destination streaming network
// implements and the registry the orchestrator resolves adapters from.
//
// # Registry
//
// Adapters are selected once at start-up from a YAML description of the
// enabled networks (see LoadFile and Build). The resulting Registry is
// immutable; adding a network means adding an Adapter implementation and a
// YAML entry, never touching the orchestrator.
//
// Built-in kinds
//
//   - rtmp: relays to a static server URL and stream key read from the
//     destination keystore, falling back to the account keystore. There is no
//     remote API, so stop and update are no-ops.
//
//   - http: drives a broadcast REST API authenticated with a bearer token.
//     The per-account "access_token" keystore entry overrides the network's
//     service token. The adapter also implements Provisioner and
//     EndpointProvider.
//
// # Retry Semantics
//
// HTTP calls share doWithRetry:
//
//   - Retries transient network errors, HTTP 5xx and HTTP 429.
//   - Any other 4xx is permanent and returned immediately.
//
// Adapters bound their own latency through the HTTP client timeout and the
// attempt budget; the orchestrator imposes none.
package networks
