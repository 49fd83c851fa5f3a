// Package forwarding turns unconditional call forwarding on and off by
// dialing carrier MMI codes, and keeps a best-effort belief about whether
// forwarding is really active.
package forwarding

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dense-identity/callfwd/internal/carrier"
	"github.com/dense-identity/callfwd/internal/clock"
	"github.com/dense-identity/callfwd/internal/dialer"
	"github.com/dense-identity/callfwd/internal/eventbridge"
	"github.com/dense-identity/callfwd/internal/store"
	"github.com/dense-identity/callfwd/internal/verify"
)

const storeTimeout = 2 * time.Second

// Config holds the controller's timing policy.
type Config struct {
	CarrierID string

	// VerifyDelay is how long after the dial the outcome is judged.
	VerifyDelay time.Duration
	// AbandonAfter is the ceiling after which an unconfirmed attempt fails.
	AbandonAfter time.Duration

	PollInterval   time.Duration
	PollMinSpacing time.Duration

	// MismatchCooldown is the minimum gap between two mismatch prompts.
	MismatchCooldown time.Duration

	// Supported is false when the device cannot judge the outcome at all;
	// the user is asked instead.
	Supported bool

	Verbose bool
}

// DefaultConfig returns the stock timings with verification supported.
func DefaultConfig() Config {
	return Config{
		CarrierID:        carrier.DefaultID,
		VerifyDelay:      4 * time.Second,
		AbandonAfter:     30 * time.Second,
		PollInterval:     10 * time.Second,
		PollMinSpacing:   5 * time.Second,
		MismatchCooldown: 2 * time.Minute,
		Supported:        true,
	}
}

// Deps are the controller's collaborators. Clock defaults to the real clock.
type Deps struct {
	Codes     *carrier.Table
	Dialer    dialer.Invoker
	Store     store.KV
	Bridge    *eventbridge.Bridge
	Prompter  Prompter
	Evaluator verify.Evaluator
	Clock     clock.Clock
}

// Observation is a status judgment derived outside the controller, by the
// poller, for the enabled value it was computed against.
type Observation struct {
	Enabled bool
	Result  verify.Result
	At      time.Time
}

type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Controller is the forwarding state machine. All transitions happen under
// mu; collaborator calls that may re-enter the controller (publishing,
// prompting, dialing, poller start) run after mu is released.
type Controller struct {
	cfg       Config
	codes     *carrier.Table
	dialer    dialer.Invoker
	kv        store.KV
	bridge    *eventbridge.Bridge
	prompter  Prompter
	evaluator verify.Evaluator
	clk       clock.Clock
	poller    *Poller

	mu              sync.Mutex
	state           ForwardingState
	phase           Phase
	carrierID       string
	attempt         *DialAttempt
	generation      uint64
	verifyTimer     clock.Timer
	awaitingConfirm bool
	lastKnownGood   time.Time
	prompts         []openPrompt

	mismatchPrompted bool
	mismatchOpen     bool
	mismatchCooldown time.Duration
	mismatchLimiter  *rate.Limiter

	closed      bool
	unsubscribe func()

	// persistSeq orders store writes issued under mu; persistMu serializes
	// them outside it and drops any older than the last one written.
	persistSeq   uint64
	persistMu    sync.Mutex
	persistedSeq uint64
}

// openPrompt is a prompt shown and not yet answered. gen is the attempt it
// belongs to, or 0 for prompts raised outside an attempt.
type openPrompt struct {
	id   string
	kind PromptKind
	gen  uint64
}

// NewController loads the durable state and subscribes to foreground
// signals. The returned controller owns a Poller, see Poller().
func NewController(ctx context.Context, cfg Config, deps Deps) (*Controller, error) {
	if deps.Codes == nil || deps.Dialer == nil || deps.Store == nil || deps.Bridge == nil ||
		deps.Prompter == nil || deps.Evaluator == nil {
		return nil, fmt.Errorf("codes, dialer, store, bridge, prompter and evaluator are required")
	}
	if cfg.VerifyDelay <= 0 || cfg.AbandonAfter <= cfg.VerifyDelay {
		return nil, fmt.Errorf("invalid timing: verify delay %v, abandon after %v", cfg.VerifyDelay, cfg.AbandonAfter)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	persisted, err := store.Load(loadCtx, deps.Store)
	if err != nil {
		return nil, fmt.Errorf("loading forwarding state: %w", err)
	}

	cooldown := cfg.MismatchCooldown
	if cooldown <= 0 {
		cooldown = time.Nanosecond
	}

	c := &Controller{
		cfg:       cfg,
		codes:     deps.Codes,
		dialer:    deps.Dialer,
		kv:        deps.Store,
		bridge:    deps.Bridge,
		prompter:  deps.Prompter,
		evaluator: deps.Evaluator,
		clk:       deps.Clock,
		carrierID: cfg.CarrierID,
		state: ForwardingState{
			Enabled:     persisted.Enabled,
			Status:      StatusUnknown,
			LastChecked: persisted.LastChecked,
			IsSupported: cfg.Supported,
		},
		mismatchCooldown: cooldown,
	}
	c.resetMismatchLocked()
	if persisted.Enabled {
		c.phase = PhaseIdle
		c.lastKnownGood = persisted.LastChecked
	} else {
		c.phase = PhaseInactive
	}

	c.poller = newPoller(c, deps.Bridge, deps.Evaluator, deps.Clock, cfg.PollInterval, cfg.PollMinSpacing)
	c.unsubscribe = deps.Bridge.Subscribe(func(ev eventbridge.Event) {
		if ev.Type == eventbridge.AppForegrounded {
			c.Resume()
		}
	})

	log.Printf("[Controller] Loaded state: enabled=%v phase=%s carrier=%s supported=%v",
		c.state.Enabled, c.phase, c.carrierID, c.state.IsSupported)
	return c, nil
}

// Poller returns the status poller owned by this controller.
func (c *Controller) Poller() *Poller {
	return c.poller
}

// State returns a copy of the current state.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		ForwardingState:  c.state,
		Phase:            c.phase,
		CarrierID:        c.carrierID,
		LastKnownGood:    c.lastKnownGood,
		MismatchPrompted: c.mismatchPrompted,
	}
	for _, p := range c.prompts {
		s.PendingPrompts = append(s.PendingPrompts, p.kind)
		s.PendingPrompt = p.kind
	}
	if c.attempt != nil {
		a := *c.attempt
		s.Attempt = &a
	}
	return s
}

// Healthy is false only while the last attempt ended in Error.
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase != PhaseError
}

// SetCarrier changes the carrier used by the next attempt.
func (c *Controller) SetCarrier(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, known := c.codes.Lookup(id)
	if !known {
		log.Printf("[Controller] Unknown carrier %q, using %s", id, e.CarrierID)
	}
	c.carrierID = e.CarrierID
}

// Toggle starts an attempt to flip the enabled flag. It is dropped while a
// previous attempt is still dialing or verifying.
func (c *Controller) Toggle() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.phase.Busy() {
		log.Printf("[Controller] Toggle ignored: attempt %s still %s", c.attempt.ID, c.phase)
		c.mu.Unlock()
		return
	}
	att := c.beginAttemptLocked(!c.state.Enabled)
	stale := c.dropAttemptPromptsLocked()
	c.mu.Unlock()

	c.withdraw(stale)
	c.dial(att)
}

// startAttempt is Toggle with an explicit target, used by Retry choices.
func (c *Controller) startAttempt(requested bool) {
	c.mu.Lock()
	if c.closed || c.phase.Busy() {
		c.mu.Unlock()
		return
	}
	att := c.beginAttemptLocked(requested)
	stale := c.dropAttemptPromptsLocked()
	c.mu.Unlock()

	c.withdraw(stale)
	c.dial(att)
}

func (c *Controller) beginAttemptLocked(requested bool) DialAttempt {
	c.stopTimersLocked()
	c.generation++
	now := c.clk.Now()
	att := &DialAttempt{
		ID:               uuid.NewString(),
		Generation:       c.generation,
		RequestedEnabled: requested,
		CarrierID:        c.carrierID,
		DialString:       c.codes.Resolve(c.carrierID, requested),
		StartedAt:        now,
	}
	c.attempt = att
	c.awaitingConfirm = false
	c.state.ErrorMessage = ""
	c.state.LastError = nil
	c.state.Status = StatusChecking
	c.transitionLocked(PhaseDialing)
	log.Printf("[Controller] Attempt %s (gen=%d): requested enabled=%v via %s",
		att.ID, att.Generation, requested, att.CarrierID)
	return *att
}

func (c *Controller) dial(att DialAttempt) {
	if !c.dialer.CanDial(att.DialString) {
		log.Printf("[Controller] Dialer cannot place %s", att.DialString)
		c.onDialInitiated(att.Generation, false)
		return
	}
	if async, ok := c.dialer.(dialer.AsyncInvoker); ok {
		async.DialAsync(att.DialString, func(ok bool) {
			c.onDialInitiated(att.Generation, ok)
		})
		return
	}
	if err := c.dialer.Dial(att.DialString); err != nil {
		log.Printf("[Controller] Dial failed for attempt %s: %v", att.ID, err)
		c.onDialInitiated(att.Generation, false)
		return
	}
	c.onDialInitiated(att.Generation, true)
}

// OnDialInitiated reports whether the platform opened the dialer for the
// current attempt. Calls for an attempt that already left Dialing are
// ignored.
func (c *Controller) OnDialInitiated(success bool) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.onDialInitiated(gen, success)
}

func (c *Controller) onDialInitiated(gen uint64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) || c.phase != PhaseDialing {
		return
	}

	if !success {
		c.state.Status = StatusError
		c.state.ErrorMessage = ErrDialerUnavailable.Error()
		c.state.LastError = ErrDialerUnavailable
		c.attempt = nil
		c.transitionLocked(PhaseError)
		return
	}

	c.attempt.DialStartTime = c.clk.Now()
	c.transitionLocked(PhaseVerifying)
	c.verifyTimer = c.clk.AfterFunc(c.cfg.VerifyDelay, func() {
		c.onVerificationTimer(gen)
	})
}

// OnVerificationTimer runs verification for the current attempt as if its
// completion timer had fired.
func (c *Controller) OnVerificationTimer() {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.onVerificationTimer(gen)
}

func (c *Controller) onVerificationTimer(gen uint64) {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.phase != PhaseVerifying || c.awaitingConfirm {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	fx := c.verifyLocked(c.clk.Now())
	c.mu.Unlock()
	fx.run()
}

// dropAttemptPromptsLocked forgets prompts raised by earlier attempts and
// returns their ids so they can be taken off screen.
func (c *Controller) dropAttemptPromptsLocked() []string {
	var ids []string
	kept := c.prompts[:0]
	for _, p := range c.prompts {
		if p.gen != 0 && p.gen != c.generation {
			ids = append(ids, p.id)
			continue
		}
		kept = append(kept, p)
	}
	c.prompts = kept
	return ids
}

func (c *Controller) withdraw(ids []string) {
	w, ok := c.prompter.(Withdrawer)
	if !ok {
		return
	}
	for _, id := range ids {
		w.Withdraw(id)
	}
}

// Resume re-derives elapsed time for an in-flight attempt from its stored
// timestamps; timers may not have fired while the process was suspended.
// It reports whether an attempt is still in flight afterwards.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	if c.closed || c.attempt == nil || !c.phase.Busy() {
		c.mu.Unlock()
		return false
	}

	now := c.clk.Now()
	var fx effects
	switch {
	case c.phase == PhaseDialing:
		if now.Sub(c.attempt.StartedAt) > c.cfg.AbandonAfter {
			fx = c.abandonLocked(now)
		}
	case c.awaitingConfirm:
	default:
		elapsed := now.Sub(c.attempt.DialStartTime)
		if elapsed > c.cfg.AbandonAfter {
			c.stopTimersLocked()
			fx = c.abandonLocked(now)
		} else if elapsed >= c.cfg.VerifyDelay {
			c.stopTimersLocked()
			fx = c.verifyLocked(now)
		}
	}
	busy := c.phase.Busy()
	c.mu.Unlock()

	fx.run()
	return busy
}

func (c *Controller) verifyLocked(now time.Time) effects {
	att := c.attempt
	elapsed := now.Sub(att.DialStartTime)

	if elapsed > c.cfg.AbandonAfter {
		return c.abandonLocked(now)
	}
	// Disabling has no false-positive risk.
	if !att.RequestedEnabled {
		return c.succeedLocked(now, verify.BasisDisable)
	}
	if !c.state.IsSupported {
		return c.askConfirmationLocked(now)
	}

	r := c.evaluator.Evaluate(true, elapsed)
	if c.cfg.Verbose {
		log.Printf("[Controller] Attempt %s judged %s after %v (p=%.2f, %s)",
			att.ID, r.Judgment, elapsed, r.Probability, r.ConfidenceBasis)
	}
	if r.Judgment == verify.Active {
		return c.succeedLocked(now, r.ConfidenceBasis)
	}
	return c.failLocked(now, ErrSetupFailed, PromptSetupFailed)
}

func (c *Controller) succeedLocked(now time.Time, basis string) effects {
	var fx effects
	att := c.attempt
	c.attempt = nil
	c.awaitingConfirm = false

	c.state.Enabled = att.RequestedEnabled
	c.state.LastChecked = now
	c.state.ErrorMessage = ""
	c.state.LastError = nil
	c.resetMismatchLocked()
	if att.RequestedEnabled {
		c.state.Status = StatusActive
		c.lastKnownGood = now
		c.transitionLocked(PhaseActive)
	} else {
		c.state.Status = StatusInactive
		c.lastKnownGood = time.Time{}
		c.transitionLocked(PhaseInactive)
	}
	fx.add(c.persistLocked())
	log.Printf("[Controller] Attempt %s succeeded: enabled=%v (%s)", att.ID, c.state.Enabled, basis)

	enabled := c.state.Enabled
	fx.add(c.ifOpen(func() { c.bridge.PublishForwardingChanged(enabled) }))
	if enabled {
		fx.add(c.poller.Start)
	}
	return fx
}

// failLocked ends the attempt pessimistically: enabled=false, Inactive.
func (c *Controller) failLocked(now time.Time, cause error, kind PromptKind) effects {
	var fx effects
	att := c.attempt
	c.attempt = nil
	c.awaitingConfirm = false

	wasEnabled := c.state.Enabled
	c.state.Enabled = false
	c.state.Status = StatusInactive
	c.state.LastChecked = now
	c.state.ErrorMessage = cause.Error()
	c.state.LastError = cause
	c.resetMismatchLocked()
	c.lastKnownGood = time.Time{}
	c.transitionLocked(PhaseInactive)
	fx.add(c.persistLocked())
	log.Printf("[Controller] Attempt %s failed: %v", att.ID, cause)

	if wasEnabled {
		fx.add(c.ifOpen(func() { c.bridge.PublishForwardingChanged(false) }))
	}
	if kind != "" {
		requested := att.RequestedEnabled
		fx.add(c.promptLocked(kind, now, att.Generation, func(choice Choice) {
			if choice == ChoiceTryAgain {
				c.startAttempt(requested)
			}
		}))
	}
	return fx
}

func (c *Controller) abandonLocked(now time.Time) effects {
	return c.failLocked(now, ErrVerificationTimeout, PromptSetupIncomplete)
}

func (c *Controller) askConfirmationLocked(now time.Time) effects {
	c.awaitingConfirm = true
	gen := c.attempt.Generation
	requested := c.attempt.RequestedEnabled
	log.Printf("[Controller] Attempt %s needs user confirmation", c.attempt.ID)

	var fx effects
	fx.add(c.promptLocked(PromptConfirmActivation, now, gen, func(choice Choice) {
		c.onConfirmation(gen, requested, choice)
	}))
	return fx
}

func (c *Controller) onConfirmation(gen uint64, requested bool, choice Choice) {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.phase != PhaseVerifying || !c.awaitingConfirm {
		c.mu.Unlock()
		return
	}
	now := c.clk.Now()

	var fx effects
	retry := false
	switch choice {
	case ChoiceYes:
		fx = c.succeedLocked(now, "user")
	case ChoiceRetry:
		fx = c.failLocked(now, ErrUnsupportedDevice, "")
		retry = true
	default:
		fx = c.failLocked(now, ErrUnsupportedDevice, "")
	}
	c.mu.Unlock()

	fx.run()
	if retry {
		c.startAttempt(requested)
	}
}

// ApplyObservation folds a poller judgment into the state. Observations
// made against a stale enabled value, or while an attempt is in flight,
// are dropped.
func (c *Controller) ApplyObservation(obs Observation) {
	c.mu.Lock()
	if c.closed || c.phase.Busy() || c.phase == PhaseError || c.state.Status == StatusChecking ||
		obs.Enabled != c.state.Enabled {
		c.mu.Unlock()
		return
	}

	now := obs.At
	if now.IsZero() {
		now = c.clk.Now()
	}
	c.state.LastChecked = now

	var fx effects
	fx.add(c.persistLocked())
	switch {
	case !c.state.Enabled:
		c.state.Status = StatusInactive
		c.resetMismatchLocked()
		c.transitionLocked(PhaseInactive)

	case obs.Result.Judgment == verify.Active:
		c.state.Status = StatusActive
		c.state.ErrorMessage = ""
		c.state.LastError = nil
		c.lastKnownGood = now
		c.transitionLocked(PhaseActive)

	default:
		c.state.Status = StatusInactive
		c.state.ErrorMessage = ErrVerificationMismatch.Error()
		c.state.LastError = ErrVerificationMismatch
		c.transitionLocked(PhaseInactive)
		if c.mismatchOpen {
			// The earlier prompt is still on screen.
			c.mismatchPrompted = true
			break
		}
		if !c.mismatchLimiter.AllowN(now, 1) {
			if c.cfg.Verbose {
				log.Printf("[Controller] Mismatch prompt suppressed by cooldown")
			}
			break
		}
		c.mismatchOpen = true
		c.mismatchPrompted = true
		fx.add(c.promptLocked(PromptMismatch, now, 0, c.onMismatchChoice))
	}
	c.mu.Unlock()

	fx.run()
}

// resetMismatchLocked starts a new detection window: the next mismatch is
// prompted regardless of when the last one was.
func (c *Controller) resetMismatchLocked() {
	c.mismatchPrompted = false
	c.mismatchLimiter = rate.NewLimiter(rate.Every(c.mismatchCooldown), 1)
}

func (c *Controller) onMismatchChoice(choice Choice) {
	c.mu.Lock()
	c.mismatchOpen = false
	c.mu.Unlock()

	switch choice {
	case ChoiceCheckAgain:
		c.poller.CheckNow()
	case ChoiceRetrySetup:
		c.startAttempt(true)
	}
}

// promptLocked records the prompt as open and returns the effect that shows
// it. Replies are delivered once; unknown choices count as Cancel. Replies to
// a prompt withdrawn by a later attempt are dropped.
func (c *Controller) promptLocked(kind PromptKind, now time.Time, gen uint64, handle func(Choice)) func() {
	p := newPrompt(kind, now)
	c.prompts = append(c.prompts, openPrompt{id: p.ID, kind: kind, gen: gen})
	return c.ifOpen(func() {
		var once sync.Once
		c.prompter.Show(p, func(choice Choice) {
			once.Do(func() {
				if !p.Allows(choice) {
					choice = ChoiceCancel
				}
				c.mu.Lock()
				tracked := c.removePromptLocked(p.ID)
				closed := c.closed
				c.mu.Unlock()
				if !tracked {
					log.Printf("[Controller] Prompt %s was withdrawn, ignoring %s", kind, choice)
					return
				}
				if closed {
					return
				}
				log.Printf("[Controller] Prompt %s answered: %s", kind, choice)
				handle(choice)
			})
		})
	})
}

func (c *Controller) removePromptLocked(id string) bool {
	for i, p := range c.prompts {
		if p.id == id {
			c.prompts = append(c.prompts[:i], c.prompts[i+1:]...)
			return true
		}
	}
	return false
}

// ifOpen wraps an effect so it is skipped once the controller is closed.
func (c *Controller) ifOpen(f func()) func() {
	return func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			f()
		}
	}
}

func (c *Controller) currentLocked(gen uint64) bool {
	return !c.closed && c.attempt != nil && c.attempt.Generation == gen
}

func (c *Controller) transitionLocked(to Phase) {
	if c.phase == to {
		return
	}
	id := "-"
	if c.attempt != nil {
		id = c.attempt.ID
	}
	log.Printf("[Controller] %s -> %s (attempt=%s status=%s enabled=%v)",
		c.phase, to, id, c.state.Status, c.state.Enabled)
	c.phase = to
}

func (c *Controller) stopTimersLocked() {
	if c.verifyTimer != nil {
		c.verifyTimer.Stop()
		c.verifyTimer = nil
	}
}

// persistLocked captures the durable fields and returns the effect that
// writes them. Failures are logged; the in-memory state stays authoritative.
func (c *Controller) persistLocked() func() {
	c.persistSeq++
	seq := c.persistSeq
	enabled := c.state.Enabled
	checked := c.state.LastChecked

	return func() {
		c.persistMu.Lock()
		defer c.persistMu.Unlock()
		if seq < c.persistedSeq {
			return
		}
		c.persistedSeq = seq

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := store.SaveEnabled(ctx, c.kv, enabled); err != nil {
			log.Printf("[Controller] Failed to persist %s: %v", store.KeyEnabled, err)
		}
		if !checked.IsZero() {
			if err := store.SaveLastChecked(ctx, c.kv, checked); err != nil {
				log.Printf("[Controller] Failed to persist %s: %v", store.KeyLastChecked, err)
			}
		}
	}
}

// Close stops the poller and pending timers. Persisted state is left as is
// and no transition runs after Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimersLocked()
	unsub := c.unsubscribe
	c.mu.Unlock()

	c.poller.shutdown()
	if unsub != nil {
		unsub()
	}
	log.Printf("[Controller] Closed")
}
