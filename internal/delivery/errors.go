package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a delivery failure.
type Kind string

const (
	// Transient failures (429, 5xx, timeouts, network) are retried.
	Transient Kind = "transient"
	// Terminal failures (invalid recipient, blocked DMs, other 4xx) are not.
	Terminal Kind = "terminal"
	// Configuration failures (missing credentials or sender identity) abort
	// the channel at construction time.
	Configuration Kind = "configuration"
)

// Error is the single tagged failure type produced by adapters and consumed
// by the retry executor. ProviderCode is the HTTP status or provider error
// code as a string.
type Error struct {
	Kind         Kind
	Channel      Channel
	ProviderCode string
	Message      string
	// RetryAfter is an explicit provider-mandated delay (Discord 429).
	// Zero means "use the policy backoff".
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ProviderCode != "" {
		return fmt.Sprintf("%s %s (%s): %s", e.Channel, e.Kind, e.ProviderCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Channel, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransient(ch Channel, code, msg string, err error) *Error {
	return &Error{Kind: Transient, Channel: ch, ProviderCode: code, Message: msg, Err: err}
}

func NewTerminal(ch Channel, code, msg string, err error) *Error {
	return &Error{Kind: Terminal, Channel: ch, ProviderCode: code, Message: msg, Err: err}
}

func NewConfiguration(ch Channel, msg string) *Error {
	return &Error{Kind: Configuration, Channel: ch, Message: msg}
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsConfiguration reports whether err is a construction-time configuration
// failure.
func IsConfiguration(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == Configuration
}

// ClassifyStatus maps an HTTP status onto a Kind using the shared rule:
// 429 and 5xx are transient, every other 4xx is terminal.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 429:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Terminal
	default:
		return Transient
	}
}

// ClassifyCommon handles errors every adapter sees the same way. ok is false
// when err carries no generic signal and the adapter must decide.
func ClassifyCommon(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	if e, ok := AsError(err); ok {
		return e.Kind, true
	}
	// A canceled send is still owed to the recipient; callers queue it.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient, true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient, true
	}
	return "", false
}

// Wrap converts any error into a *Error of the given channel, classifying it
// with classify. Existing *Error values are returned unchanged.
func Wrap(ch Channel, err error, classify func(error) Kind) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	k := Transient
	if classify != nil {
		if c := classify(err); c != "" {
			k = c
		}
	}
	return &Error{Kind: k, Channel: ch, Message: err.Error(), Err: err}
}
