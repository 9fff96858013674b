package errorsx

import (
	"context"
	"errors"
	"log/slog"
)

// ReasonedError carries the reason code that logs and metrics report for a
// failed turn, relay request or webhook.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with reason. The innermost reason wins, so a rate limit
// wrapped again as a relay failure still reports relay_rate_limit.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason returns the code attached by Wrap. Untagged deadline errors report
// ReasonTimeout and anything else ReasonUnknown.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Attr is the reason_code log attribute for err.
func Attr(err error) slog.Attr {
	return slog.String("reason_code", string(Reason(err)))
}
