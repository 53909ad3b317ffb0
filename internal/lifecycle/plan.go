package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/ipmi"
	"github.com/jbweber/homelab/director/internal/repository"
)

// plan is a sequence of BMC actions issued on behalf of one state. Each
// step is retried on timeout; a rejection or too many timeouts fault the
// device.
type plan struct {
	uuid    string
	gen     uint64
	state   domain.LifecycleState
	actions []ipmi.Action
	step    int
	attempt int // consecutive timeouts of the current step
}

func newPlan(uuid string, gen uint64, state domain.LifecycleState, actions []ipmi.Action) plan {
	return plan{uuid: uuid, gen: gen, state: state, actions: actions}
}

func configurePlan() []ipmi.Action {
	return []ipmi.Action{
		{Kind: ipmi.ActionReset},
		{Kind: ipmi.ActionSetCredentials},
		{Kind: ipmi.ActionSetNetwork},
	}
}

func powerCyclePlan() []ipmi.Action {
	return []ipmi.Action{{Kind: ipmi.ActionPowerControl, Power: ipmi.PowerPXECycle}}
}

func (m *Machine) launch(p plan) {
	m.spawn(func() { m.run(p) })
}

func (m *Machine) run(p plan) {
	for {
		target, action, ok, err := m.prepare(p)
		if !ok {
			return
		}
		var outcome ipmi.Outcome
		if err != nil {
			outcome = ipmi.Outcome{Kind: ipmi.OutcomeTimeout, Err: err}
		} else {
			outcome = m.exec.Execute(m.ctx, target, action)
		}

		next, more := m.apply(p, outcome)
		if !more {
			return
		}
		p = next
	}
}

// prepare resolves the BMC target for the plan's current step and records
// the attempt. ok is false when the plan is stale.
func (m *Machine) prepare(p plan) (ipmi.Target, ipmi.Action, bool, error) {
	st, ok := m.tracked(p.uuid)
	if !ok {
		return ipmi.Target{}, ipmi.Action{}, false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != p.gen {
		return ipmi.Target{}, ipmi.Action{}, false, nil
	}

	store := m.store()
	device, err := store.Devices.FindByUUID(m.ctx, p.uuid)
	if err != nil {
		return ipmi.Target{}, ipmi.Action{}, !errors.Is(err, repository.ErrNotFound), err
	}
	if device.State != p.state {
		return ipmi.Target{}, ipmi.Action{}, false, nil
	}

	action := p.actions[p.step]
	target := ipmi.Target{DeviceUUID: device.UUID, Credentials: m.cfg.Credentials}
	bmc, err := store.Interfaces.FindManagementInterface(m.ctx, device.ID)
	switch {
	case err == nil:
		target.Address = bmc.IPv4
	case !errors.Is(err, repository.ErrNotFound):
		return ipmi.Target{}, ipmi.Action{}, true, err
	}

	switch action.Kind {
	case ipmi.ActionSetCredentials:
		action.Credentials = m.cfg.Credentials
	case ipmi.ActionSetNetwork:
		action.Network = m.networkSettings(bmc)
	}

	if err := store.Devices.RecordAction(m.ctx, device.ID, action.String(), m.clock.Now()); err != nil {
		return ipmi.Target{}, ipmi.Action{}, true, err
	}
	return target, action, true, nil
}

// networkSettings pins the BMC to its leased address.
func (m *Machine) networkSettings(bmc domain.Interface) ipmi.NetworkSettings {
	settings := ipmi.NetworkSettings{Address: bmc.IPv4}
	if bmc.IPv4 == "" {
		return settings
	}
	subnet, err := m.store().Subnets.FindContaining(m.ctx, bmc.IPv4)
	if err != nil {
		return settings
	}
	settings.Netmask = subnet.SubnetMaskIPv4
	settings.Gateway = subnet.GatewayIPv4
	return settings
}

// apply records the outcome of the current step. It returns the plan to
// continue with, or false when the plan is finished, stale or waiting for
// a scheduled retry.
func (m *Machine) apply(p plan, outcome ipmi.Outcome) (plan, bool) {
	st, ok := m.tracked(p.uuid)
	if !ok {
		return p, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != p.gen {
		m.logger.Debug("discarding stale ipmi outcome", zap.String("uuid", p.uuid))
		return p, false
	}

	ctx := m.ctx
	device, err := m.store().Devices.FindByUUID(ctx, p.uuid)
	if err != nil {
		m.logger.Error("failed to load device for ipmi outcome", zap.String("uuid", p.uuid), zap.Error(err))
		return p, false
	}
	if device.State != p.state {
		return p, false
	}

	action := p.actions[p.step]
	switch outcome.Kind {
	case ipmi.OutcomeSuccess:
		p.step++
		p.attempt = 0
		if p.step < len(p.actions) {
			return p, true
		}
		m.finish(ctx, st, device)
		return p, false

	case ipmi.OutcomeRejected:
		m.fault(ctx, st, device, reasonPrefix+outcome.Reason, outcome.Err)
		return p, false

	default:
		p.attempt++
		if p.attempt >= m.cfg.MaxAttempts {
			m.fault(ctx, st, device, ReasonUnreachable, outcome.Err)
			return p, false
		}
		delay := m.cfg.Backoff(p.attempt)
		m.logger.Debug("ipmi action timed out, retrying",
			zap.String("uuid", p.uuid),
			zap.Stringer("action", action),
			zap.Int("attempt", p.attempt),
			zap.Duration("backoff", delay),
			zap.Error(outcome.Err),
		)
		m.schedule(st, delay, func() { m.launch(p) })
		return p, false
	}
}

// finish applies the transition that follows a completed plan.
func (m *Machine) finish(ctx context.Context, st *deviceState, device domain.Device) {
	if device.State != domain.StateManagementConfiguring {
		m.logger.Info("power cycled into netboot", zap.String("uuid", device.UUID))
		return
	}
	if _, err := m.transitionAndEnter(ctx, st, device, domain.StateManagementConfigured, "bmc configured"); err != nil {
		m.logger.Error("failed to complete management configuration", zap.String("uuid", device.UUID), zap.Error(err))
	}
}

func (m *Machine) fault(ctx context.Context, st *deviceState, device domain.Device, reason string, cause error) {
	if cause != nil {
		m.logger.Debug("ipmi failure", zap.String("uuid", device.UUID), zap.Error(cause))
	}
	if _, err := m.transition(ctx, st, device, domain.StateFaulted, reason); err != nil {
		m.logger.Error("failed to fault device", zap.String("uuid", device.UUID),
			zap.String("reason", reason), zap.Error(fmt.Errorf("persist fault: %w", err)))
	}
}
