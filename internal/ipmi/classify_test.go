package ipmi

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   OutcomeKind
		reason string
	}{
		{"nil", nil, OutcomeSuccess, ""},
		{"explicit rejection", Rejected(ReasonUnsupported, nil), OutcomeRejected, ReasonUnsupported},
		{"wrapped rejection", fmt.Errorf("step: %w", Rejected(ReasonAuth, nil)), OutcomeRejected, ReasonAuth},
		{"deadline", fmt.Errorf("ipmitool: %w", context.DeadlineExceeded), OutcomeTimeout, ""},
		{"rakp", errors.New("RAKP 2 message indicates an error : unauthorized name"), OutcomeRejected, ReasonAuth},
		{"privilege", errors.New("Insufficient privilege level"), OutcomeRejected, ReasonAuth},
		{"unsupported", errors.New("Invalid command"), OutcomeRejected, ReasonUnsupported},
		{"unreachable", errors.New("Unable to establish IPMI v2 / RMCP+ session"), OutcomeTimeout, ""},
		{"password in command", errors.New("ipmitool user set password 2 ****: exit status 1"), OutcomeTimeout, ""},
		{"status code text", errors.New("dial tcp 10.0.0.5:401: i/o timeout"), OutcomeTimeout, ""},
		{"unreachable sentinel", fmt.Errorf("ipmitool user set name 2 unauthorized name: %w", ErrUnreachable), OutcomeTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.err)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.reason, out.Reason)
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "reset", Action{Kind: ActionReset}.String())
	assert.Equal(t, "power-control:pxe-cycle", Action{Kind: ActionPowerControl, Power: PowerPXECycle}.String())
	assert.Equal(t, "action(99)", ActionKind(99).String())
}
