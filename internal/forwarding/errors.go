package forwarding

import "errors"

// Failures are never returned from Toggle. They surface through
// Snapshot.LastError and the prompts the controller raises.
var (
	ErrDialerUnavailable    = errors.New("cannot open dialer")
	ErrVerificationTimeout  = errors.New("forwarding setup incomplete")
	ErrSetupFailed          = errors.New("forwarding setup failed")
	ErrVerificationMismatch = errors.New("forwarding status mismatch")
	ErrUnsupportedDevice    = errors.New("forwarding status cannot be verified on this device")
)

// Broker errors.
var (
	ErrPromptNotFound   = errors.New("prompt not found")
	ErrChoiceNotOffered = errors.New("choice not offered")
)
