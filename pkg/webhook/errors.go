package webhook

import "errors"

var (
	ErrInvalidConfiguration = errors.New("webhook: invalid configuration")
	ErrMissingHeaders       = errors.New("webhook: missing signature headers")
	ErrInvalidSignature     = errors.New("webhook: signature verification failed")
	ErrStaleMessage         = errors.New("webhook: message timestamp outside tolerance")
	ErrInvalidPayload       = errors.New("webhook: invalid payload")
	ErrInFlight             = errors.New("webhook: message is being processed")
)
