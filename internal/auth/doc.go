// Package auth authenticates the single operator of relay-gateway.
//
// # Credentials
//
//   - Web password: checked with bcrypt. POST /api/login exchanges it for an
//     HS256 JWT, returned in the body and in an HttpOnly cookie.
//   - API key: a static bearer token for scripts and the CLI, compared in
//     constant time.
//
// A request may present its credential as:
//
//	Authorization: Bearer <jwt or api key>
//	Cookie: relay_session=<jwt>
//	GET /ws?token=<jwt or api key>     (WebSocket upgrades only)
//
// With neither a password nor an API key configured, Authenticate admits every
// request as MethodNone and NewAuthenticator logs a warning.
package auth
