// ABOUTME: Authentication gate that turns a signed request into an Allow/Deny decision
// ABOUTME: Checks headers, secret, replay window and signature in a fixed short-circuit order

package auth

import (
	"log/slog"
	"time"

	"github.com/codix/cdx-agent/internal/audit"
)

// Wire names of the authentication headers. Signer and verifier must agree on them.
const (
	HeaderTimestamp = "X-CDX-Timestamp"
	HeaderSignature = "X-CDX-Signature"
)

// Reason identifies why a request was denied. It is recorded in the audit
// log only and never returned to the caller.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonMissingHeaders      Reason = "missing_headers"
	ReasonSecretNotConfigured Reason = "secret_not_configured"
	ReasonTimestampOutOfRange Reason = "timestamp_out_of_range"
	ReasonSignatureMismatch   Reason = "signature_mismatch"
)

// Decision is the outcome of evaluating a single request.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow returns an allowing Decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying Decision with the given reason.
func Deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

// ConfigurationFault reports whether the denial is caused by deployment
// misconfiguration rather than by the request itself.
func (d Decision) ConfigurationFault() bool {
	return !d.Allowed && d.Reason == ReasonSecretNotConfigured
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny(" + string(d.Reason) + ")"
}

// RequestView is the read-only projection of an inbound request the gate needs.
type RequestView interface {
	Method() string
	Path() string
	Body() []byte
	Header(name string) (string, bool)
}

// GateConfig is the immutable configuration consumed by the gate.
type GateConfig struct {
	Secret             string
	TimestampTolerance *int64 // seconds; nil selects DefaultTimestampTolerance, 0 accepts only the current second
	LogFailedAttempts  bool
}

// Tolerance returns seconds as a GateConfig.TimestampTolerance value.
func Tolerance(seconds int64) *int64 {
	return &seconds
}

// DecisionObserver is notified of every decision the HTTP middleware makes.
type DecisionObserver interface {
	ObserveDecision(d Decision)
}

// GateOptions holds the optional collaborators of a Gate.
type GateOptions struct {
	Auditor      audit.Sink
	Observer     DecisionObserver
	Logger       *slog.Logger
	MaxBodyBytes int64 // 0 selects DefaultMaxBodyBytes
}

// Gate evaluates signed requests. It holds only immutable state and is safe
// for concurrent use.
type Gate struct {
	cfg       GateConfig
	tolerance int64
	engine    *Engine
	auditor   audit.Sink
	observer  DecisionObserver
	logger    *slog.Logger
	maxBody   int64
	now       func() time.Time
}

// NewGate creates a Gate from cfg. The config is copied; later changes to the
// caller's value have no effect.
func NewGate(cfg GateConfig, opts GateOptions) *Gate {
	tolerance := DefaultTimestampTolerance
	if cfg.TimestampTolerance != nil {
		tolerance = *cfg.TimestampTolerance
		cfg.TimestampTolerance = Tolerance(tolerance)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Gate{
		cfg:       cfg,
		tolerance: tolerance,
		engine:    NewEngine(cfg.Secret),
		auditor:   opts.Auditor,
		observer:  opts.Observer,
		logger:    logger.With("component", "auth-gate"),
		maxBody:   maxBody,
		now:       time.Now,
	}
}

// Engine returns the signature engine bound to the gate's secret.
func (g *Gate) Engine() *Engine {
	return g.engine
}

// Evaluate decides whether the request may reach a protected operation.
// The first failing check determines the reason; nothing is mutated.
func (g *Gate) Evaluate(req RequestView, now time.Time) Decision {
	timestamp, hasTimestamp := req.Header(HeaderTimestamp)
	signature, hasSignature := req.Header(HeaderSignature)
	if !hasTimestamp || !hasSignature || timestamp == "" || signature == "" {
		return Deny(ReasonMissingHeaders)
	}

	if !g.engine.HasSecret() {
		return Deny(ReasonSecretNotConfigured)
	}

	if !TimestampValid(timestamp, g.tolerance, now) {
		return Deny(ReasonTimestampOutOfRange)
	}

	if !g.engine.Verify(signature, timestamp, req.Method(), req.Path(), req.Body()) {
		return Deny(ReasonSignatureMismatch)
	}

	return Allow()
}
