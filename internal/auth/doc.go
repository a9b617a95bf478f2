// Package auth authenticates requests to the cdx-agent control surface.
//
// # Signing Scheme
//
// Every request carries two headers:
//
//   - X-CDX-Timestamp: decimal seconds since the Unix epoch
//   - X-CDX-Signature: lowercase hex HMAC-SHA256 of the canonical payload
//
// The canonical payload is
//
//	{timestamp}\n{UPPERCASE_METHOD}\n{path}\n{hex(SHA256(body))}
//
// where path is the escaped URL path with the query string dropped and
// surrounding slashes trimmed, prefixed with a single "/" (see CanonicalPath).
// SignRequest applies the same rule on the client side.
//
// # Gate
//
// Gate.Evaluate is a pure function of the request view, the current time and
// the immutable GateConfig. Checks run in order and the first failure wins:
//
//  1. both headers present          -> missing_headers
//  2. secret configured             -> secret_not_configured
//  3. timestamp within tolerance    -> timestamp_out_of_range
//  4. signature matches             -> signature_mismatch
//
// Gate.Middleware maps a missing secret to 500 "Agent not configured" and every
// other denial to one uniform 401 "Unauthorized". The reason is only written to
// the audit sink, and only when failed-attempt logging is enabled.
//
// # Replay Window
//
// TimestampValid is stateless. A captured request can be replayed until its
// timestamp leaves the tolerance window, so keep the tolerance small.
package auth
