// Package ops implements the administrative operations served behind the
// authentication gate.
//
// Every route lives under the configured prefix (default /cdx-agent) and
// passes through, in order: panic recovery, per-IP rate limiting, the
// authentication gate, then a feature check. Responses use one envelope:
//
//	{"ok":true,"message":"...","data":{...}}
//	{"ok":false,"message":"...","error":"..."}
//
// A disabled feature answers 403. Commands run only when their first word
// is in commands.allowed.
package ops
