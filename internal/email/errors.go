package email

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by status and cancel lookups for unknown
// message IDs.
var ErrNotFound = errors.New("message not found")

// ValidationError rejects a malformed send request before anything is
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// UnsubscribedError blocks a send because one or more recipients opted
// out of the message's category. The whole message is rejected; there is
// no partial send.
type UnsubscribedError struct {
	Recipients []string // redacted addresses with per-address reasons
}

func (e *UnsubscribedError) Error() string {
	return fmt.Sprintf("recipients unsubscribed: %s", strings.Join(e.Recipients, "; "))
}

// ProviderError is a transient vendor failure. Sends failing with it are
// retried per the retry policy.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PermanentError is a vendor rejection that no retry can fix, e.g. a
// malformed address. The message goes straight to failed.
type PermanentError struct {
	Provider string
	Reason   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider %s rejected permanently: %s", e.Provider, e.Reason)
}

// SignatureError rejects a webhook whose signature did not verify.
type SignatureError struct {
	Provider string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid webhook signature for provider %s", e.Provider)
}

// IsPermanent reports whether err (anywhere in its chain) is a permanent
// provider rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func asAny[T error](err error, target *T) bool {
	return errors.As(err, target)
}
