// Package auth verifies bearer tokens presented on the WebSocket handshake.
//
// # Tokens
//
// Peers authenticate with HS256-signed JWTs. The "sub" claim names the
// principal; for agents the principal is also the default agentId of the
// tools they register.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	principalID, err := verifier.Verify(token)
//
// The secret must be at least MinSecretLength bytes. Only verification runs
// inside the hub; Generate exists for the CLI and for tests.
//
// # Handshake
//
// Authenticate reads the token from the Authorization header
// ("Bearer <jwt>") or, for clients that cannot set headers, from the
// "token" query parameter.
//
// # Context
//
// The verified identity travels with every frame handled for a connection:
//
//	ctx = auth.WithAuth(ctx, &auth.AuthContext{PrincipalID: principalID})
//	authCtx := auth.FromContext(ctx) // nil when auth is disabled
package auth
