// Package core – error taxonomy shared by every trustchain subsystem.
//
// Each kind below is a sentinel; call sites wrap it with fmt.Errorf("...: %w", ErrX)
// so callers can errors.Is/errors.As while still getting a human message.
package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument            = errors.New("invalid argument")
	ErrPreconditionFailed         = errors.New("precondition failed")
	ErrInvalidVerification        = errors.New("invalid verification")
	ErrInvalidPassphrase          = errors.New("invalid passphrase")
	ErrInvalidVerificationCode    = errors.New("invalid verification code")
	ErrExpiredVerificationCode    = errors.New("expired verification code")
	ErrMaxVerificationAttempts    = errors.New("maximum verification attempts reached")
	ErrInvalidIdentity            = errors.New("invalid identity")
	ErrIdentityAlreadyAttached    = errors.New("identity already attached")
	ErrUpgradeRequired            = errors.New("upgrade required")
	ErrDecryptionFailed           = errors.New("decryption failed")
	ErrResourceNotFound           = errors.New("resource not found")
	ErrNetworkError               = errors.New("network error")
	ErrServerError                = errors.New("server error")
	ErrDeviceRevoked               = errors.New("device revoked")
	ErrInternalError               = errors.New("internal error")
	ErrTruncated                    = errors.New("truncated")
	ErrTrailingGarbage              = errors.New("trailing garbage")
	ErrInvalidFieldSize             = errors.New("invalid field size")
)

// InvalidBlockError is *InvalidBlock(subkind)* from spec §7: a verifier
// rejection tagged with the rule that failed, so callers can branch on the
// subkind without string-matching the message.
type InvalidBlockError struct {
	Subkind string
	Err     error
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block (%s): %v", e.Subkind, e.Err)
}

func (e *InvalidBlockError) Unwrap() error { return e.Err }

func invalidBlock(subkind string, err error) error {
	return &InvalidBlockError{Subkind: subkind, Err: err}
}

// AsInvalidBlock reports whether err is (or wraps) an InvalidBlockError and
// returns it.
func AsInvalidBlock(err error) (*InvalidBlockError, bool) {
	var ib *InvalidBlockError
	ok := errors.As(err, &ib)
	return ib, ok
}
