package lifecycle

import (
	"errors"

	"github.com/jbweber/homelab/director/internal/domain"
)

// ErrInvalidTransition is returned when an event is not valid for the
// device's current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Fault reasons recorded on devices.
const (
	ReasonUnreachable = "ipmi-unreachable"
	reasonPrefix      = "ipmi-"
)

var edges = map[domain.LifecycleState][]domain.LifecycleState{
	domain.StateDiscovered:            {domain.StateManagementConfiguring, domain.StateFaulted},
	domain.StateManagementConfiguring: {domain.StateManagementConfigured, domain.StateFaulted},
	domain.StateManagementConfigured:  {domain.StateNetbootReady, domain.StateFaulted},
	domain.StateNetbootReady:          {domain.StateInstalling, domain.StateFaulted},
	domain.StateInstalling:            {domain.StateCommissioned, domain.StateFaulted},
	domain.StateFaulted:               {domain.StateDiscovered},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to domain.LifecycleState) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
