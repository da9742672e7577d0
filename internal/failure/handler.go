package failure

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"go.uber.org/zap"
)

// Action is what the orchestrator should do with a failed task.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionRequeue  Action = "requeue"
	ActionEscalate Action = "escalate"
	ActionFail     Action = "fail"
)

// Decision is the handler's verdict for one failure.
type Decision struct {
	Action Action        `json:"action"`
	Kind   Kind          `json:"kind"`
	Delay  time.Duration `json:"delay"`
}

// Policy holds the retry and recovery tunables.
type Policy struct {
	MaxRetries     int           `json:"max_retries"`
	InitialDelay   time.Duration `json:"initial_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	Multiplier     float64       `json:"multiplier"`
	Jitter         float64       `json:"jitter"` // fraction of the delay, 0.25 = ±25%
	RequeueDelay   time.Duration `json:"requeue_delay"`
	MaxEscalations int           `json:"max_escalations"`
}

// DefaultPolicy returns the default recovery policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
		RequeueDelay:   2 * time.Second,
		MaxEscalations: 2,
	}
}

func (p *Policy) normalize() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.RequeueDelay <= 0 {
		p.RequeueDelay = p.InitialDelay
	}
	if p.MaxEscalations < 0 {
		p.MaxEscalations = 0
	}
}

// Handler classifies task failures and applies the recovery policy.
type Handler struct {
	policy Policy
	rnd    func() float64
	logger *zap.Logger
}

// NewHandler creates a Handler. Out-of-range policy values are clamped.
func NewHandler(policy Policy, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.normalize()
	return &Handler{
		policy: policy,
		rnd:    rand.Float64,
		logger: logger.With(zap.String("component", "error_handler")),
	}
}

// Policy returns the effective policy.
func (h *Handler) Policy() Policy { return h.policy }

// Classify maps an error to its recovery kind.
func (h *Handler) Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	// Unknown errors are retried; the retry budget bounds the cost.
	return KindTransient
}

// Decide returns the recovery action for a task that has already consumed
// attempts retries and escalations reassignments.
func (h *Handler) Decide(err error, attempts, escalations int) Decision {
	kind := h.Classify(err)
	d := Decision{Kind: kind}

	switch kind {
	case KindTransient:
		if attempts < h.policy.MaxRetries {
			d.Action = ActionRetry
			d.Delay = h.Backoff(attempts + 1)
		} else {
			d.Action = ActionFail
		}
	case KindResourceExhausted:
		d.Action = ActionRequeue
		d.Delay = h.policy.RequeueDelay
	case KindCapabilityMismatch:
		if escalations < h.policy.MaxEscalations {
			d.Action = ActionEscalate
		} else {
			d.Action = ActionFail
		}
	default:
		d.Action = ActionFail
	}

	h.logger.Debug("failure decision",
		zap.String("kind", string(kind)),
		zap.String("action", string(d.Action)),
		zap.Int("attempts", attempts),
		zap.Duration("delay", d.Delay),
		zap.Error(err))
	return d
}

// Backoff returns the delay before retry number attempt (1-based):
// initial * multiplier^(attempt-1), capped at MaxDelay, with ±Jitter.
func (h *Handler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(h.policy.InitialDelay) * math.Pow(h.policy.Multiplier, float64(attempt-1))
	if delay > float64(h.policy.MaxDelay) {
		delay = float64(h.policy.MaxDelay)
	}
	if h.policy.Jitter > 0 {
		spread := delay * h.policy.Jitter
		delay += (h.rnd()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
