// Package authcore implements the authentication and authorization core of the
// Inkpress blog platform: JWT access tokens, rotating opaque refresh tokens with
// reuse detection, multi-factor login challenges (TOTP, SMS, email, backup
// codes), OAuth2 federation against external identity providers, and
// hierarchical role-based access control with conditional permissions.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config], and
// value types (LoginResult, TokenPair, MetricsSnapshot, etc.). Shared mutable
// state (refresh-token generations, MFA challenges and attempt counters, the
// access-token revocation set, and OAuth anti-CSRF states) lives in Redis and
// is reached only through stores under internal/. Subpackages cover one concern
// each: jwt (token signing), password (argon2id hashing), rbac (permission
// resolution), oauth (provider clients), client (consumer-side interceptor),
// httpapi (REST surface), middleware (server guards), store/pg (Postgres user
// storage).
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its public API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//   - Re-resolve roles from storage during access-token validation; the roles
//     claim is a point-in-time snapshot that changes only on refresh.
//
// # Performance contract
//
// Validate is the hot path. It performs signature verification plus at most one
// revocation-set lookup and no other I/O. Login, Refresh, and MFA operations
// are allowed one Redis round-trip per shared resource they touch.
package authcore
