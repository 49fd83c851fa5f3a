package forwarding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dense-identity/callfwd/internal/carrier"
	"github.com/dense-identity/callfwd/internal/clock"
	"github.com/dense-identity/callfwd/internal/eventbridge"
	"github.com/dense-identity/callfwd/internal/store"
	"github.com/dense-identity/callfwd/internal/verify"
)

const testNumber = "+15550100"

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fixedSource makes every heuristic draw return frac.
type fixedSource struct{ frac float64 }

func (s fixedSource) Int63() int64 { return int64(s.frac * (1 << 63)) }
func (s fixedSource) Seed(int64)   {}

type fakeDialer struct {
	mu      sync.Mutex
	canDial bool
	dialErr error
	dialed  []string
}

func (d *fakeDialer) CanDial(string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canDial
}

func (d *fakeDialer) Dial(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, s)
	return d.dialErr
}

func (d *fakeDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dialed))
	copy(out, d.dialed)
	return out
}

// asyncDialer never confirms on its own; tests call OnDialInitiated.
type asyncDialer struct {
	fakeDialer
	callbacks []func(bool)
}

func (d *asyncDialer) DialAsync(s string, initiated func(bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, s)
	d.callbacks = append(d.callbacks, initiated)
}

type recordingPrompter struct {
	mu      sync.Mutex
	prompts []Prompt
	replies []func(Choice)
}

func (r *recordingPrompter) Show(p Prompt, reply func(Choice)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
	r.replies = append(r.replies, reply)
}

func (r *recordingPrompter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func (r *recordingPrompter) kinds() []PromptKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PromptKind, len(r.prompts))
	for i, p := range r.prompts {
		out[i] = p.Kind
	}
	return out
}

func (r *recordingPrompter) last(t *testing.T) Prompt {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		t.Fatal("no prompt was shown")
	}
	return r.prompts[len(r.prompts)-1]
}

// answerLast replies to the most recent prompt outside the prompter lock.
func (r *recordingPrompter) answerLast(t *testing.T, c Choice) {
	t.Helper()
	r.mu.Lock()
	if len(r.replies) == 0 {
		r.mu.Unlock()
		t.Fatal("no prompt to answer")
	}
	reply := r.replies[len(r.replies)-1]
	r.mu.Unlock()
	reply(c)
}

// replyAt returns the reply func of the i-th prompt shown.
func (r *recordingPrompter) replyAt(t *testing.T, i int) func(Choice) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.replies) {
		t.Fatalf("prompt %d was never shown", i)
	}
	return r.replies[i]
}

// gatedKV holds every Set until release is closed.
type gatedKV struct {
	store.KV
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Set(ctx context.Context, key, value string) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.KV.Set(ctx, key, value)
}

type evalCall struct {
	enabled bool
	elapsed time.Duration
}

// recordingEvaluator wraps another evaluator and records its inputs.
type recordingEvaluator struct {
	mu    sync.Mutex
	inner verify.Evaluator
	calls []evalCall
}

func (e *recordingEvaluator) Evaluate(enabled bool, elapsed time.Duration) verify.Result {
	e.mu.Lock()
	e.calls = append(e.calls, evalCall{enabled: enabled, elapsed: elapsed})
	e.mu.Unlock()
	return e.inner.Evaluate(enabled, elapsed)
}

func (e *recordingEvaluator) Calls() []evalCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]evalCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// stubEvaluator judges every enable check with the same answer.
type stubEvaluator struct{ judgment verify.Judgment }

func (s stubEvaluator) Evaluate(enabled bool, _ time.Duration) verify.Result {
	if !enabled {
		return verify.Result{Judgment: verify.Inactive, ConfidenceBasis: verify.BasisDisable}
	}
	return verify.Result{Judgment: s.judgment, ConfidenceBasis: verify.BasisDeterministic}
}

// leakyClock hands out timers whose Stop loses the race with firing.
type leakyClock struct{ *clock.Fake }

type leakyTimer struct{}

func (leakyTimer) Stop() bool { return false }

func (l leakyClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	l.Fake.AfterFunc(d, f)
	return leakyTimer{}
}

type harness struct {
	ctrl     *Controller
	fake     *clock.Fake
	kv       *store.Memory
	bridge   *eventbridge.Bridge
	prompter *recordingPrompter
	dialer   *fakeDialer
	eval     *recordingEvaluator

	mu     sync.Mutex
	events []eventbridge.Event
}

type harnessOpts struct {
	cfg       *Config
	evaluator verify.Evaluator
	dialer    interface {
		CanDial(string) bool
		Dial(string) error
	}
	clk       clock.Clock
	fake      *clock.Fake
	persisted *store.Persisted
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	cfg := DefaultConfig()
	if opts.cfg != nil {
		cfg = *opts.cfg
	}
	fake := opts.fake
	if fake == nil {
		fake = clock.NewFake(testStart)
	}
	var clk clock.Clock = fake
	if opts.clk != nil {
		clk = opts.clk
	}
	inner := opts.evaluator
	if inner == nil {
		inner = verify.NewHeuristic(fixedSource{frac: 0})
	}

	h := &harness{
		fake:     fake,
		kv:       store.NewMemory(),
		bridge:   eventbridge.New(),
		prompter: &recordingPrompter{},
		dialer:   &fakeDialer{canDial: true},
		eval:     &recordingEvaluator{inner: inner},
	}

	ctx := context.Background()
	if opts.persisted != nil {
		if err := store.SaveEnabled(ctx, h.kv, opts.persisted.Enabled); err != nil {
			t.Fatalf("seeding store: %v", err)
		}
		if !opts.persisted.LastChecked.IsZero() {
			if err := store.SaveLastChecked(ctx, h.kv, opts.persisted.LastChecked); err != nil {
				t.Fatalf("seeding store: %v", err)
			}
		}
	}

	h.bridge.Subscribe(func(ev eventbridge.Event) {
		if ev.Type != eventbridge.ForwardingChanged {
			return
		}
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	deps := Deps{
		Codes:     carrier.NewTable(testNumber),
		Dialer:    h.dialer,
		Store:     h.kv,
		Bridge:    h.bridge,
		Prompter:  h.prompter,
		Evaluator: h.eval,
		Clock:     clk,
	}
	if opts.dialer != nil {
		deps.Dialer = opts.dialer
	}

	ctrl, err := NewController(ctx, cfg, deps)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	t.Cleanup(ctrl.Close)
	h.ctrl = ctrl
	return h
}

func (h *harness) forwardingEvents() []eventbridge.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]eventbridge.Event, len(h.events))
	copy(out, h.events)
	return out
}

func (h *harness) storedEnabled(t *testing.T) string {
	t.Helper()
	v, ok, err := h.kv.Get(context.Background(), store.KeyEnabled)
	if err != nil {
		t.Fatalf("store Get failed: %v", err)
	}
	if !ok {
		return ""
	}
	return v
}

// checkInvariant asserts the enabled/status consistency rules.
func checkInvariant(t *testing.T, s Snapshot) {
	t.Helper()
	if s.Status == StatusActive && !s.Enabled {
		t.Fatalf("active while disabled: %+v", s)
	}
	if s.Enabled && s.Status == StatusInactive && !s.Phase.Busy() && !s.MismatchPrompted {
		t.Fatalf("silent enabled/inactive contradiction: %+v", s)
	}
}
