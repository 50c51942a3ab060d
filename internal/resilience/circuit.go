package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var breakerNopLogger = zerolog.Nop()

// ErrOpenCircuit means the processor is being shed and no call was made.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is where the breaker sits in its closed → open → half-open cycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// gauge is the value exported on breaker_state.
func (s State) gauge() float64 {
	switch s {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

// Breaker sheds processor calls once too many of the recent ones failed.
// Outcomes are kept in a fixed ring of the last 2*minRequests calls; the ratio
// is only evaluated once minRequests of them have been seen. After openFor a
// single trial call is let through and its outcome closes or reopens the
// breaker.
type Breaker struct {
	mu sync.Mutex

	state    State
	ring     []bool
	next     int
	filled   int
	failed   int
	openedAt time.Time
	trial    bool

	minRequests  int
	failureRatio float64
	openFor      time.Duration

	target string
	logger *zerolog.Logger
	now    func() time.Time
}

// NewBreaker returns a closed breaker. Out-of-range arguments fall back to one
// request, a ratio of 0.5 and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if failureRatio > 1 {
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		ring:         make([]bool, minRequests*2),
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		now:          time.Now,
	}
}

// WithTarget names the upstream in metrics and logs, e.g. "airwallex".
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishLocked()
	return b
}

// WithLogger sets the logger used when no request logger is in the context.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether the next processor call may go out.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.trial = true
		return true
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

// Report feeds the outcome of a call admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.trial = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	if b.filled == len(b.ring) {
		if !b.ring[b.next] {
			b.failed--
		}
	} else {
		b.filled++
	}
	b.ring[b.next] = success
	if !success {
		b.failed++
	}
	b.next = (b.next + 1) % len(b.ring)

	if b.filled >= b.minRequests && float64(b.failed)/float64(b.filled) >= b.failureRatio {
		b.moveLocked(ctx, Open)
	}
}

func (b *Breaker) moveLocked(ctx context.Context, to State) {
	from := b.state
	if from == to {
		b.publishLocked()
		return
	}
	b.state = to
	if to == Open {
		b.openedAt = b.now()
	}
	b.next, b.filled, b.failed = 0, 0, 0
	b.publishLocked()

	label := b.targetLabel()
	BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	if to == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	log := b.loggerFor(ctx)
	evt := log.Warn()
	if to == Closed {
		evt = log.Info()
	}
	evt = evt.Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishLocked() {
	BreakerState.WithLabelValues(b.targetLabel()).Set(b.state.gauge())
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	if b.logger == nil {
		return &breakerNopLogger
	}
	return b.logger
}
