// Package verify judges whether call forwarding took effect. Carriers answer
// MMI codes with a USSD message the application cannot read, so the default
// Heuristic infers the outcome from how long the user spent in the dialer.
package verify

import (
	"math/rand"
	"sync"
	"time"
)

// Judgment is the evaluator's verdict on whether forwarding is on.
type Judgment int

const (
	Inactive Judgment = iota
	Active
)

func (j Judgment) String() string {
	if j == Active {
		return "Active"
	}
	return "Inactive"
}

const (
	BasisHeuristic     = "heuristic"
	BasisDeterministic = "deterministic"
	BasisForced        = "forced"
	BasisDisable       = "disable-path"
)

// Tier boundaries measured from the dial. They are part of the product's
// accepted error tolerance; change the bands, not the boundaries.
const (
	FastCompletion = 10 * time.Second
	SlowCompletion = 15 * time.Second
)

// Result is one judgment. Probability is the success band the draw was
// taken against; it is 1 or 0 for non-heuristic bases.
type Result struct {
	Judgment        Judgment
	Probability     float64
	ConfidenceBasis string
}

// Evaluator is the seam the forwarding controller depends on.
type Evaluator interface {
	Evaluate(requestedEnabled bool, elapsedSinceDial time.Duration) Result
}

// SuccessProbability returns the success band for an enable attempt that
// completed after elapsed.
func SuccessProbability(elapsed time.Duration) float64 {
	switch {
	case elapsed < FastCompletion:
		return 0.95
	case elapsed < SlowCompletion:
		return 0.8
	default:
		return 0.4
	}
}

// Heuristic draws from an injected random source against the success band.
// It is safe for concurrent use.
type Heuristic struct {
	mu           sync.Mutex
	rnd          *rand.Rand
	forceSuccess bool
}

type Option func(*Heuristic)

// WithForceSuccess makes every enable attempt judge Active. Debug only.
func WithForceSuccess(force bool) Option {
	return func(h *Heuristic) { h.forceSuccess = force }
}

// NewHeuristic draws from src, or a time-seeded source when src is nil.
func NewHeuristic(src rand.Source, opts ...Option) *Heuristic {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	h := &Heuristic{rnd: rand.New(src)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heuristic) Evaluate(requestedEnabled bool, elapsed time.Duration) Result {
	if !requestedEnabled {
		return Result{Judgment: Inactive, Probability: 0, ConfidenceBasis: BasisDisable}
	}
	if h.forceSuccess {
		return Result{Judgment: Active, Probability: 1, ConfidenceBasis: BasisForced}
	}

	p := SuccessProbability(elapsed)
	h.mu.Lock()
	draw := h.rnd.Float64()
	h.mu.Unlock()

	j := Inactive
	if draw < p {
		j = Active
	}
	return Result{Judgment: j, Probability: p, ConfidenceBasis: BasisHeuristic}
}

// StatusFunc reads the real forwarding state from a carrier API.
type StatusFunc func() (active bool, err error)

// Deterministic wraps a platform that can actually query forwarding
// status. When the query fails it defers to fallback.
type Deterministic struct {
	query    StatusFunc
	fallback Evaluator
}

func NewDeterministic(query StatusFunc, fallback Evaluator) *Deterministic {
	return &Deterministic{query: query, fallback: fallback}
}

func (d *Deterministic) Evaluate(requestedEnabled bool, elapsed time.Duration) Result {
	active, err := d.query()
	if err != nil {
		if d.fallback != nil {
			return d.fallback.Evaluate(requestedEnabled, elapsed)
		}
		return Result{Judgment: Inactive, ConfidenceBasis: BasisDeterministic}
	}
	if active {
		return Result{Judgment: Active, Probability: 1, ConfidenceBasis: BasisDeterministic}
	}
	return Result{Judgment: Inactive, Probability: 0, ConfidenceBasis: BasisDeterministic}
}
