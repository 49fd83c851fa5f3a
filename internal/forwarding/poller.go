package forwarding

import (
	"log"
	"sync"
	"time"

	"github.com/dense-identity/callfwd/internal/clock"
	"github.com/dense-identity/callfwd/internal/eventbridge"
	"github.com/dense-identity/callfwd/internal/verify"
)

// Poller re-checks forwarding status while the forwarding surface is shown
// and the app is in the foreground, to catch changes made outside the app.
// It never dials; it only asks the controller to fold in what it observed.
type Poller struct {
	ctrl       *Controller
	bridge     *eventbridge.Bridge
	evaluator  verify.Evaluator
	clk        clock.Clock
	interval   time.Duration
	minSpacing time.Duration

	mu        sync.Mutex
	running   bool
	runGen    uint64
	timer     clock.Timer
	inFlight  bool
	lastCheck time.Time
	checks    uint64
	unsub     func()
	closed    bool
}

func newPoller(ctrl *Controller, bridge *eventbridge.Bridge, evaluator verify.Evaluator, clk clock.Clock, interval, minSpacing time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if minSpacing < 0 {
		minSpacing = 0
	}
	return &Poller{
		ctrl:       ctrl,
		bridge:     bridge,
		evaluator:  evaluator,
		clk:        clk,
		interval:   interval,
		minSpacing: minSpacing,
	}
}

// Start runs one check right away and then one per interval. Calling Start
// on a running poller, or after the controller is closed, does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running || p.closed {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.runGen++
	gen := p.runGen
	p.unsub = p.bridge.Subscribe(func(ev eventbridge.Event) {
		if ev.Type == eventbridge.AppForegrounded {
			p.check(true)
		}
	})
	p.mu.Unlock()

	log.Printf("[Poller] Started (interval=%v)", p.interval)
	p.check(true)
	p.schedule(gen)
}

// Stop cancels the interval. A check already running completes.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	log.Printf("[Poller] Stopped")
}

// shutdown stops the poller for good.
func (p *Poller) shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Stop()
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Checks counts the checks that actually ran.
func (p *Poller) Checks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

// CheckNow runs a check outside the interval, ignoring the minimum spacing.
// It still respects the foreground gate and a check already in flight.
func (p *Poller) CheckNow() {
	p.check(true)
}

func (p *Poller) schedule(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.runGen != gen {
		return
	}
	p.timer = p.clk.AfterFunc(p.interval, func() {
		p.check(false)
		p.schedule(gen)
	})
}

func (p *Poller) check(force bool) {
	now := p.clk.Now()

	p.mu.Lock()
	if p.closed || (!p.running && !force) {
		p.mu.Unlock()
		return
	}
	// Backgrounded ticks are skipped, not queued.
	if !p.bridge.IsForeground() || p.inFlight {
		p.mu.Unlock()
		return
	}
	if !force && !p.lastCheck.IsZero() && now.Sub(p.lastCheck) < p.minSpacing {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.lastCheck = now
	p.checks++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	// An attempt in flight is the controller's business; it only needs a
	// nudge in case its timer was suspended.
	if p.ctrl.Resume() {
		return
	}

	snap := p.ctrl.State()
	if snap.Status == StatusChecking || snap.Phase.Busy() {
		return
	}

	ref := snap.LastKnownGood
	if ref.IsZero() {
		ref = snap.LastChecked
	}
	if ref.IsZero() {
		ref = now
	}
	r := p.evaluator.Evaluate(snap.Enabled, now.Sub(ref))
	p.ctrl.ApplyObservation(Observation{Enabled: snap.Enabled, Result: r, At: now})
}
