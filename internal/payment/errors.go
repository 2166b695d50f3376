package payment

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureInvalid     = errors.New("invalid webhook signature")
	ErrMalformedPayload     = errors.New("malformed event payload")
	ErrCorrelationNotFound  = errors.New("transaction not found for event")
	ErrIllegalTransition    = errors.New("illegal state transition")
	ErrGatewayCommunication = errors.New("payment communication error, please try again later")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrProviderDisabled     = fmt.Errorf("%w: provider is disabled", ErrPreconditionFailed)
	ErrUnsupportedCurrency  = fmt.Errorf("%w: currency not supported", ErrPreconditionFailed)
)

// GatewayError describes a failed call to the gateway API. It always matches
// ErrGatewayCommunication.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: api error: %s (status: %d)", e.Op, e.Body, e.StatusCode)
	}
	return fmt.Sprintf("%s: request failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	return target == ErrGatewayCommunication
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}
