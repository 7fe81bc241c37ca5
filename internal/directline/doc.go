// Package directline is a small client for the Bot Framework Direct Line v3 API.
//
// # Overview
//
// The relay only needs four upstream operations:
//
//   - IssueCredential: POST /tokens/generate, authorized with the bot secret
//   - CreateConversation: POST /conversations, authorized with a token
//   - PostActivity: POST /conversations/{id}/activities
//   - ListActivities: GET /conversations/{id}/activities?watermark=N
//
// Every call goes through an optional rate.Limiter so a burst of parent
// traffic, or a set of pollers, cannot exhaust the upstream quota.
//
// # Errors
//
// Non-2xx responses are returned as *StatusError. Use IsUnauthorized to detect
// a rejected bearer credential:
//
//	if directline.IsUnauthorized(err) {
//	    tokens.Invalidate(agentID)
//	}
//
// # Testing
//
// The directlinetest subpackage runs an in-memory Direct Line server on
// net/http/httptest with scripted bot behaviour.
package directline
