// Package auth authenticates child agents pushing replies to the relay.
//
// Agents present an HS256 JWT whose "sub" claim is their agent id:
//
//	Authorization: Bearer <jwt>
//
// RequireAgent verifies the token and checks that the subject matches the
// agent named in the request path. The verified identity is attached to the
// request context and can be read back with FromContext.
//
// Tokens are minted with JWTVerifier.Generate, which the coven-relay
// "token" subcommand wraps.
package auth
