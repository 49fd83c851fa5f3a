// Package dialer triggers the carrier dial action for forwarding codes.
// A successful Dial only means the dial was initiated; the carrier's MMI
// response is never visible to the caller.
package dialer

import "regexp"

// Invoker is implemented by anything that can place an MMI dial string.
type Invoker interface {
	CanDial(dialString string) bool
	Dial(dialString string) error
}

// AsyncInvoker is implemented by platforms that confirm the dial later,
// e.g. after the user approves a system "dial this code" sheet. initiated
// must be called exactly once.
type AsyncInvoker interface {
	Invoker
	DialAsync(dialString string, initiated func(ok bool))
}

var mmiPattern = regexp.MustCompile(`^[0-9*#+]+$`)

// ValidDialString reports whether s only uses the MMI alphabet.
func ValidDialString(s string) bool {
	return mmiPattern.MatchString(s)
}
