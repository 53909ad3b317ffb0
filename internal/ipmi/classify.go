package ipmi

import (
	"context"
	"errors"
	"strings"
)

var authPatterns = []string{
	"rakp",
	"invalid user name",
	"unauthorized name",
	"insufficient privilege",
}

var unsupportedPatterns = []string{
	"invalid command",
	"not supported",
	"invalid data field",
}

// Classify maps a transport error to an outcome. Errors that are neither
// explicit rejections nor recognizable refusals count as timeouts, so the
// caller retries them.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return Outcome{Kind: OutcomeRejected, Reason: rejected.Reason, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrUnreachable) {
		return Outcome{Kind: OutcomeTimeout, Err: err}
	}

	if reason, ok := refusal(err.Error()); ok {
		return Outcome{Kind: OutcomeRejected, Reason: reason, Err: err}
	}
	return Outcome{Kind: OutcomeTimeout, Err: err}
}

// refusal matches BMC output against known refusals.
func refusal(output string) (reason string, ok bool) {
	msg := strings.ToLower(output)
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return ReasonAuth, true
		}
	}
	for _, p := range unsupportedPatterns {
		if strings.Contains(msg, p) {
			return ReasonUnsupported, true
		}
	}
	return "", false
}

// IsRejected reports whether the outcome is a definitive refusal.
func (o Outcome) IsRejected() bool { return o.Kind == OutcomeRejected }
