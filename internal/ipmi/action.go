// Package ipmi executes out-of-band management actions against a device's
// BMC and reports success, timeout or rejection.
package ipmi

import (
	"errors"
	"fmt"
)

// ActionKind enumerates the management actions.
type ActionKind int

const (
	ActionReset ActionKind = iota + 1
	ActionSetCredentials
	ActionSetNetwork
	ActionPowerControl
)

func (k ActionKind) String() string {
	switch k {
	case ActionReset:
		return "reset"
	case ActionSetCredentials:
		return "set-credentials"
	case ActionSetNetwork:
		return "set-network"
	case ActionPowerControl:
		return "power-control"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// PowerOp selects what a power-control action does.
type PowerOp string

const (
	PowerOn       PowerOp = "on"
	PowerOff      PowerOp = "off"
	PowerCycle    PowerOp = "cycle"
	PowerPXECycle PowerOp = "pxe-cycle" // boot from the network once, then cycle
)

// Credentials authenticate a BMC session.
type Credentials struct {
	Username string
	Password string
}

// NetworkSettings is the static addressing applied to a BMC LAN channel.
type NetworkSettings struct {
	Address string
	Netmask string
	Gateway string
}

// Action is one management operation. Only the field matching Kind is read.
type Action struct {
	Kind        ActionKind
	Credentials Credentials
	Network     NetworkSettings
	Power       PowerOp
}

// String renders the action for logs and devices.last_action.
func (a Action) String() string {
	if a.Kind == ActionPowerControl && a.Power != "" {
		return a.Kind.String() + ":" + string(a.Power)
	}
	return a.Kind.String()
}

// Target identifies the BMC an action runs against.
type Target struct {
	DeviceUUID  string
	Address     string
	Credentials Credentials
}

// OutcomeKind classifies an action result.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTimeout
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of Execute. Reason is set for rejections.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

// Rejection reasons.
const (
	ReasonAuth        = "auth"
	ReasonUnsupported = "unsupported"
)

// RejectedError is returned by transports when the BMC definitively
// refuses an action.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err == nil {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Rejected wraps err as a rejection with the given reason.
func Rejected(reason string, err error) error {
	return &RejectedError{Reason: reason, Err: err}
}

var (
	// ErrNoAddress is returned when a target has no BMC address.
	ErrNoAddress = errors.New("BMC has no address")

	// ErrUnreachable marks a failure that did not come from a BMC refusal.
	// It is always retried.
	ErrUnreachable = errors.New("BMC unreachable")
)
