// Package relay moves messages between the parent orchestrator and child
// agents over the upstream conversation protocol.
//
// # Operations
//
//   - Dispatch opens an upstream conversation, posts the parent's message
//     and records a Parent turn once the post has succeeded.
//   - Poller.AwaitReply polls the conversation feed until a message from
//     someone other than the sender appears or the deadline passes.
//   - Exchange is Dispatch followed by AwaitReply; a reply is recorded as a
//     Child turn.
//   - CorrelateChildReply attaches a reply pushed by a child agent to the
//     Parent turn it answers.
//
// # Outcomes
//
// A poll that runs out of time yields OutcomeTimedOut. This is a value, not
// an error: failures are reported through the sentinels in errors.go,
// wrapped together with their cause.
//
// # Correlation
//
// A pushed reply names the agent and, optionally, the conversation. With a
// conversation id the reply must belong to a conversation holding a Parent
// turn for that agent. Without one it is attached to the agent's most recent
// Parent turn, which is only unambiguous while the agent has a single
// exchange outstanding.
package relay
