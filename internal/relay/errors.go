// ABOUTME: Error kinds surfaced by the relay core
// ABOUTME: Each is wrapped with its cause so callers can match kind and cause

package relay

import "errors"

var (
	// ErrAgentNotFound is returned when no agent is registered under an id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrUpstreamRelay is returned when creating a conversation or posting a
	// message upstream fails. Posts are never retried.
	ErrUpstreamRelay = errors.New("upstream relay failed")

	// ErrNoMatchingParentTurn is returned when a child reply has no Parent
	// turn to attach to. Nothing is recorded.
	ErrNoMatchingParentTurn = errors.New("no matching parent turn")

	// ErrInvalidMessage is returned for empty or otherwise unusable input.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDuplicateReply is returned when a child reply id was already recorded.
	ErrDuplicateReply = errors.New("duplicate reply")
)
