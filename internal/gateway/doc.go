// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway owns the SQLite store, the Direct Line client, the token
// manager, the reply dedupe cache and the relay service, and exposes them
// over HTTP. An optional gRPC listener serves the standard health service.
//
// # HTTP API
//
//	GET  /health                               liveness
//	GET  /health/ready                         store reachable and agents registered
//	POST /api/agents                           register an agent
//	GET  /api/agents                           list agents
//	GET  /api/agents/{id}                      get one agent
//	GET  /api/agents/capability/{capability}   first agent with a capability
//	POST /api/messages                         relay a message, optionally waiting
//	POST /api/agents/{id}/replies              child agent pushes a reply
//	GET  /api/turns/latest                     newest matching ledger turn
//	GET  /api/conversations/{id}/turns         conversation history
//
// When auth.jwt_secret is configured, reply pushes require a bearer token
// whose subject is the agent id in the path.
//
// # Error Mapping
//
//	relay.ErrInvalidMessage, store.ErrInvalidSender   400
//	relay.ErrAgentNotFound                            404
//	store.ErrDuplicateAgent, relay.ErrNoMatchingParentTurn   409
//	relay.ErrUpstreamRelay                            502
//	token.ErrCredentialIssuance                       503
//
// A duplicate reply push answers 200 with {"duplicate": true}.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown flips the health service to NOT_SERVING, drains HTTP and gRPC,
// then closes the dedupe cache and the store.
package gateway
