// Package server assembles the cdx-agent process: it opens the audit store,
// starts the audit dispatcher, builds the signature gate and the operations
// router, and serves them over TCP or a tailnet listener until the context
// passed to Run is cancelled.
package server
