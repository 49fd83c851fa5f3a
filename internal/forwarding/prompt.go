package forwarding

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PromptKind names the question a prompt asks.
type PromptKind string

const (
	PromptConfirmActivation PromptKind = "confirm_activation"
	PromptSetupIncomplete   PromptKind = "setup_incomplete"
	PromptSetupFailed       PromptKind = "setup_failed"
	PromptMismatch          PromptKind = "verification_mismatch"
)

// Choice is a user's answer to a prompt.
type Choice string

const (
	ChoiceYes        Choice = "yes"
	ChoiceNo         Choice = "no"
	ChoiceRetry      Choice = "retry"
	ChoiceTryAgain   Choice = "try_again"
	ChoiceCancel     Choice = "cancel"
	ChoiceCheckAgain Choice = "check_again"
	ChoiceRetrySetup Choice = "retry_setup"
	ChoiceOK         Choice = "ok"
	// ChoiceDismissed is sent when the prompt goes away without an answer.
	ChoiceDismissed Choice = "dismissed"
)

// Prompt is a request for the presentation layer to ask the user something.
type Prompt struct {
	ID        string
	Kind      PromptKind
	Title     string
	Message   string
	Choices   []Choice
	CreatedAt time.Time
}

// Allows reports whether c is one of the prompt's choices.
func (p Prompt) Allows(c Choice) bool {
	for _, allowed := range p.Choices {
		if allowed == c {
			return true
		}
	}
	return false
}

// Prompter displays prompts. reply must be called at most once; the
// controller guards against repeats anyway.
type Prompter interface {
	Show(p Prompt, reply func(Choice))
}

// Withdrawer is implemented by prompters that can take a prompt off screen
// once its question no longer applies. reply is not called for it.
type Withdrawer interface {
	Withdraw(id string)
}

func newPrompt(kind PromptKind, now time.Time) Prompt {
	p := Prompt{ID: uuid.NewString(), Kind: kind, CreatedAt: now}
	switch kind {
	case PromptConfirmActivation:
		p.Title = "Confirm Activation"
		p.Message = "Did your carrier confirm that call forwarding is now active?"
		p.Choices = []Choice{ChoiceYes, ChoiceNo, ChoiceRetry}
	case PromptSetupIncomplete:
		p.Title = "Setup Incomplete"
		p.Message = "Call forwarding setup did not finish. Try again?"
		p.Choices = []Choice{ChoiceTryAgain, ChoiceCancel}
	case PromptSetupFailed:
		p.Title = "Setup Failed"
		p.Message = "Call forwarding could not be confirmed. Try again?"
		p.Choices = []Choice{ChoiceTryAgain, ChoiceCancel}
	case PromptMismatch:
		p.Title = "Verification Mismatch"
		p.Message = "Call forwarding appears to be off even though it is enabled."
		p.Choices = []Choice{ChoiceCheckAgain, ChoiceRetrySetup, ChoiceOK}
	}
	return p
}

// Broker is a Prompter that parks prompts until an out-of-process UI lists
// and answers them.
type Broker struct {
	mu      sync.Mutex
	pending map[string]brokerEntry
	notify  func(Prompt)
}

type brokerEntry struct {
	prompt Prompt
	reply  func(Choice)
}

// NewBroker returns an empty broker. notify, if set, is called for every new
// prompt.
func NewBroker(notify func(Prompt)) *Broker {
	return &Broker{pending: make(map[string]brokerEntry), notify: notify}
}

func (b *Broker) Show(p Prompt, reply func(Choice)) {
	b.mu.Lock()
	b.pending[p.ID] = brokerEntry{prompt: p, reply: reply}
	notify := b.notify
	b.mu.Unlock()
	if notify != nil {
		notify(p)
	}
}

// Pending lists unanswered prompts, oldest first.
func (b *Broker) Pending() []Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Prompt, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, e.prompt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Answer delivers c for the prompt with the given id.
func (b *Broker) Answer(id string, c Choice) error {
	b.mu.Lock()
	e, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	if c != ChoiceDismissed && !e.prompt.Allows(c) {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q by %s", ErrChoiceNotOffered, c, e.prompt.Kind)
	}
	delete(b.pending, id)
	b.mu.Unlock()

	e.reply(c)
	return nil
}

// Dismiss closes the prompt without a choice.
func (b *Broker) Dismiss(id string) error {
	return b.Answer(id, ChoiceDismissed)
}

// Withdraw drops a pending prompt without replying.
func (b *Broker) Withdraw(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
