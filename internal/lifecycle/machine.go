// Package lifecycle drives devices from discovery to commissioning.
//
// Every event for a device runs under that device's lock, so transitions
// and lease changes for one device never interleave. BMC actions run
// outside the lock and their outcomes are applied only if the device is
// still in the state and generation that issued them. The generation is
// bumped on every transition, which abandons retries scheduled for an
// earlier state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/allocator"
	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/events"
	"github.com/jbweber/homelab/director/internal/ipmi"
	"github.com/jbweber/homelab/director/internal/metrics"
	"github.com/jbweber/homelab/director/internal/netboot"
	"github.com/jbweber/homelab/director/internal/repository"
)

// ActionExecutor runs BMC actions. *ipmi.Executor satisfies it.
type ActionExecutor interface {
	Execute(ctx context.Context, target ipmi.Target, action ipmi.Action) ipmi.Outcome
}

// Config tunes management plans.
type Config struct {
	// Credentials are installed on every BMC and used to reach it.
	Credentials ipmi.Credentials

	MaxAttempts int           // consecutive timeouts per step before faulting
	BackoffBase time.Duration // delay after the first timeout
	BackoffMax  time.Duration

	// ParkRetry is how long a device that could not get an install lease
	// waits before trying again.
	ParkRetry time.Duration

	// PowerCycleOnReady reboots devices into PXE on entering NetbootReady.
	PowerCycleOnReady bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.ParkRetry <= 0 {
		c.ParkRetry = time.Minute
	}
	return c
}

// Backoff returns the delay before retry n (1-based).
func (c Config) Backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Machine applies events to devices.
type Machine struct {
	ds       *datastore.Datastore
	alloc    *allocator.Allocator
	exec     ActionExecutor
	selector *netboot.Selector
	bus      *events.Bus
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	devices map[string]*deviceState
}

// deviceState is the in-memory half of a device. It is rebuilt from the
// store on restart.
type deviceState struct {
	mu    sync.Mutex
	gen   uint64
	retry clock.Timer
}

// New creates a machine.
func New(
	ds *datastore.Datastore,
	alloc *allocator.Allocator,
	exec ActionExecutor,
	selector *netboot.Selector,
	bus *events.Bus,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		ds:       ds,
		alloc:    alloc,
		exec:     exec,
		selector: selector,
		bus:      bus,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("lifecycle"),
		ctx:      ctx,
		cancel:   cancel,
		devices:  make(map[string]*deviceState),
	}
}

func (m *Machine) store() *repository.Store {
	return repository.NewStore(m.ds.DB)
}

func (m *Machine) state(uuid string) *deviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[uuid]
	if !ok {
		st = &deviceState{}
		m.devices[uuid] = st
	}
	return st
}

// tracked returns the device's state without creating it. Background work
// for a forgotten device finds nothing and stops.
func (m *Machine) tracked(uuid string) (*deviceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[uuid]
	return st, ok
}

// Forget drops the in-memory state of a removed device. Its pending retry
// is cancelled and plans in flight are abandoned.
func (m *Machine) Forget(uuid string) {
	m.mu.Lock()
	st, ok := m.devices[uuid]
	delete(m.devices, uuid)
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}
}

// spawn runs fn in a tracked goroutine unless the machine is closed.
func (m *Machine) spawn(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Wait blocks until no background work is running. Retries scheduled on
// the clock are not waited for.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Close abandons scheduled retries and waits for running plans.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	states := make([]*deviceState, 0, len(m.devices))
	for _, st := range m.devices {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.retry != nil {
			st.retry.Stop()
			st.retry = nil
		}
		st.mu.Unlock()
	}

	m.cancel()
	m.wg.Wait()
}

// HandleEvent applies ev to its device. Events that do not apply to the
// device's state are either no-ops or fail with ErrInvalidTransition.
func (m *Machine) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case Contact:
		return m.contact(ctx, e)
	case NetbootRequest:
		return m.netbootRequest(ctx, e)
	case InstallComplete:
		return m.installComplete(ctx, e)
	case OperatorReset:
		return m.operatorReset(ctx, e)
	default:
		return Result{}, fmt.Errorf("unknown lifecycle event %T", ev)
	}
}

func (m *Machine) contact(ctx context.Context, c Contact) (Result, error) {
	st := m.state(c.deviceUUID())
	st.mu.Lock()
	defer st.mu.Unlock()

	store := m.store()
	device, err := store.Devices.FindByUUID(ctx, c.deviceUUID())
	if err != nil {
		return Result{}, err
	}
	iface := c.Handle.Interface

	if !c.Renewal && !iface.IsBMC {
		if err := m.recordBootInterface(ctx, &device, iface); err != nil {
			return Result{}, err
		}
	}

	var lease domain.Lease
	if !c.Static {
		lease, err = m.refreshLease(ctx, iface, !c.Renewal)
		if err != nil {
			if errors.Is(err, allocator.ErrAddressExhausted) || errors.Is(err, allocator.ErrNoSubnet) {
				m.logger.Warn("no address for interface, device parked",
					zap.String("uuid", device.UUID),
					zap.String("mac", iface.MAC),
					zap.String("state", string(device.State)),
					zap.Error(err),
				)
			}
			return Result{Device: device, Artifact: m.selector.Select(device)}, err
		}
	}

	if !c.Renewal {
		if device, err = m.drive(ctx, st, device); err != nil {
			return Result{}, err
		}
	}
	return Result{Device: device, Lease: lease, Artifact: m.selector.Select(device)}, nil
}

// drive runs the transitions a fresh contact can trigger.
func (m *Machine) drive(ctx context.Context, st *deviceState, device domain.Device) (domain.Device, error) {
	switch device.State {
	case domain.StateDiscovered:
		_, err := m.store().Interfaces.FindManagementInterface(ctx, device.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return device, nil
		}
		if err != nil {
			return device, err
		}
		return m.transitionAndEnter(ctx, st, device, domain.StateManagementConfiguring, "bmc available")
	case domain.StateManagementConfigured:
		return m.advance(ctx, st, device)
	default:
		return device, nil
	}
}

func (m *Machine) recordBootInterface(ctx context.Context, device *domain.Device, iface domain.Interface) error {
	if device.BootInterfaceID != nil && *device.BootInterfaceID == iface.ID {
		return nil
	}
	if err := m.store().Devices.SetBootInterface(ctx, device.ID, iface.ID, m.clock.Now()); err != nil {
		return err
	}
	id := iface.ID
	device.BootInterfaceID = &id
	return nil
}

// refreshLease extends the interface's active lease. When it has none, a
// new one is allocated if allowNew is set.
func (m *Machine) refreshLease(ctx context.Context, iface domain.Interface, allowNew bool) (domain.Lease, error) {
	current, err := m.alloc.ActiveLease(ctx, iface.ID)
	switch {
	case err == nil:
		lease, err := m.alloc.Renew(ctx, current.ID)
		if err == nil || !errors.Is(err, allocator.ErrLeaseInactive) {
			return lease, err
		}
	case !errors.Is(err, allocator.ErrLeaseInactive):
		return domain.Lease{}, err
	}
	if !allowNew {
		return domain.Lease{}, fmt.Errorf("interface %s: %w", iface.MAC, allocator.ErrLeaseInactive)
	}
	return m.alloc.Ensure(ctx, iface)
}

func (m *Machine) netbootRequest(ctx context.Context, r NetbootRequest) (Result, error) {
	st := m.state(r.deviceUUID())
	st.mu.Lock()
	defer st.mu.Unlock()

	device, err := m.store().Devices.FindByUUID(ctx, r.deviceUUID())
	if err != nil {
		return Result{}, err
	}
	iface := r.Handle.Interface
	if iface.IsBMC {
		return Result{Device: device, Artifact: m.selector.Select(device)}, nil
	}
	if err := m.recordBootInterface(ctx, &device, iface); err != nil {
		return Result{}, err
	}

	if device.State == domain.StateNetbootReady {
		artifact := m.selector.Select(device)
		device, err = m.transitionAndEnter(ctx, st, device, domain.StateInstalling, "install image served")
		if err != nil {
			return Result{}, err
		}
		return Result{Device: device, Artifact: artifact}, nil
	}

	if device, err = m.drive(ctx, st, device); err != nil {
		return Result{}, err
	}
	return Result{Device: device, Artifact: m.selector.Select(device)}, nil
}

func (m *Machine) installComplete(ctx context.Context, e InstallComplete) (Result, error) {
	return m.explicit(ctx, e.UUID, domain.StateInstalling, domain.StateCommissioned, "installer reported completion")
}

func (m *Machine) operatorReset(ctx context.Context, e OperatorReset) (Result, error) {
	return m.explicit(ctx, e.UUID, domain.StateFaulted, domain.StateDiscovered, "operator reset")
}

// explicit applies a transition that is only valid from one state.
func (m *Machine) explicit(ctx context.Context, uuid string, from, to domain.LifecycleState, reason string) (Result, error) {
	st := m.state(uuid)
	st.mu.Lock()
	defer st.mu.Unlock()

	device, err := m.store().Devices.FindByUUID(ctx, uuid)
	if err != nil {
		return Result{}, err
	}
	if device.State != from {
		return Result{Device: device}, fmt.Errorf("device %s is %s, not %s: %w", uuid, device.State, from, ErrInvalidTransition)
	}
	device, err = m.transitionAndEnter(ctx, st, device, to, reason)
	if err != nil {
		return Result{}, err
	}
	return Result{Device: device, Artifact: m.selector.Select(device)}, nil
}

// transition persists a state change. The caller holds st.mu.
func (m *Machine) transition(ctx context.Context, st *deviceState, device domain.Device, to domain.LifecycleState, reason string) (domain.Device, error) {
	from := device.State
	if !CanTransition(from, to) {
		return device, fmt.Errorf("device %s: %s -> %s: %w", device.UUID, from, to, ErrInvalidTransition)
	}

	faultReason := ""
	if to == domain.StateFaulted {
		faultReason = reason
	}
	now := m.clock.Now()
	if err := m.store().Devices.UpdateState(ctx, device.ID, to, faultReason, now); err != nil {
		return device, err
	}
	device.State = to
	device.FaultReason = faultReason
	device.UpdatedAt = now

	st.gen++
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}

	metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	fields := []zap.Field{
		zap.String("uuid", device.UUID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	}
	if to == domain.StateFaulted {
		m.logger.Warn("device faulted", append(fields, zap.String("last_action", device.LastAction))...)
	} else {
		m.logger.Info("device transitioned", fields...)
	}
	m.bus.Publish(events.Transition{UUID: device.UUID, From: from, To: to, Reason: reason, At: now})
	return device, nil
}

func (m *Machine) transitionAndEnter(ctx context.Context, st *deviceState, device domain.Device, to domain.LifecycleState, reason string) (domain.Device, error) {
	device, err := m.transition(ctx, st, device, to, reason)
	if err != nil {
		return device, err
	}
	return m.enter(ctx, st, device)
}

// enter starts the work attached to the device's new state.
func (m *Machine) enter(ctx context.Context, st *deviceState, device domain.Device) (domain.Device, error) {
	switch device.State {
	case domain.StateManagementConfiguring:
		m.launch(newPlan(device.UUID, st.gen, device.State, configurePlan()))
	case domain.StateManagementConfigured:
		return m.advance(ctx, st, device)
	case domain.StateNetbootReady:
		if m.cfg.PowerCycleOnReady {
			m.launch(newPlan(device.UUID, st.gen, device.State, powerCyclePlan()))
		}
	}
	return device, nil
}

// advance moves a ManagementConfigured device to NetbootReady once its
// boot interface holds a lease. Without one the device is parked and
// retried later.
func (m *Machine) advance(ctx context.Context, st *deviceState, device domain.Device) (domain.Device, error) {
	iface, err := m.bootInterface(ctx, device)
	if errors.Is(err, repository.ErrNotFound) {
		m.park(st, device, err)
		return device, nil
	}
	if err != nil {
		return device, err
	}

	lease, err := m.alloc.Ensure(ctx, iface)
	if errors.Is(err, allocator.ErrAddressExhausted) || errors.Is(err, allocator.ErrNoSubnet) {
		m.park(st, device, err)
		return device, nil
	}
	if err != nil {
		return device, err
	}

	artifact := netboot.Select(domain.StateNetbootReady, m.selector.Catalog())
	m.logger.Debug("install path selected",
		zap.String("uuid", device.UUID),
		zap.String("ip", lease.IPAddress),
		zap.String("kernel", artifact.Image.Kernel),
	)
	return m.transitionAndEnter(ctx, st, device, domain.StateNetbootReady, "install lease "+lease.IPAddress)
}

// bootInterface returns the interface that last made a boot contact, else
// the most recently seen data-plane interface.
func (m *Machine) bootInterface(ctx context.Context, device domain.Device) (domain.Interface, error) {
	store := m.store()
	if device.BootInterfaceID != nil {
		iface, err := store.Interfaces.FindByID(ctx, *device.BootInterfaceID)
		if err == nil && !iface.IsBMC {
			return iface, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return domain.Interface{}, err
		}
	}

	ifaces, err := store.Interfaces.FindByDeviceID(ctx, device.ID)
	if err != nil {
		return domain.Interface{}, err
	}
	var best *domain.Interface
	for i := range ifaces {
		if ifaces[i].IsBMC {
			continue
		}
		if best == nil || ifaces[i].LastSeenAt.After(best.LastSeenAt) {
			best = &ifaces[i]
		}
	}
	if best == nil {
		return domain.Interface{}, fmt.Errorf("data-plane interface for device %s: %w", device.UUID, repository.ErrNotFound)
	}
	return *best, nil
}

// park schedules another advance attempt. The caller holds st.mu.
func (m *Machine) park(st *deviceState, device domain.Device, cause error) {
	m.logger.Warn("device parked",
		zap.String("uuid", device.UUID),
		zap.String("state", string(device.State)),
		zap.Duration("retry_in", m.cfg.ParkRetry),
		zap.Error(cause),
	)
	gen := st.gen
	uuid := device.UUID
	m.schedule(st, m.cfg.ParkRetry, func() {
		m.spawn(func() { m.retryAdvance(uuid, gen) })
	})
}

func (m *Machine) retryAdvance(uuid string, gen uint64) {
	st, ok := m.tracked(uuid)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		return
	}
	st.retry = nil

	device, err := m.store().Devices.FindByUUID(m.ctx, uuid)
	if err != nil {
		m.logger.Error("failed to load parked device", zap.String("uuid", uuid), zap.Error(err))
		return
	}
	if device.State != domain.StateManagementConfigured {
		return
	}
	if _, err := m.advance(m.ctx, st, device); err != nil {
		m.logger.Error("failed to advance parked device", zap.String("uuid", uuid), zap.Error(err))
	}
}

// schedule replaces the device's pending retry. The caller holds st.mu.
func (m *Machine) schedule(st *deviceState, d time.Duration, fn func()) {
	if st.retry != nil {
		st.retry.Stop()
	}
	st.retry = m.clock.AfterFunc(d, fn)
}

// Recover restarts the work of devices left mid-flow by a restart.
func (m *Machine) Recover(ctx context.Context) error {
	devices, err := m.store().Devices.FindByStates(ctx,
		domain.StateManagementConfiguring, domain.StateManagementConfigured)
	if err != nil {
		return fmt.Errorf("load devices to recover: %w", err)
	}
	for _, device := range devices {
		st := m.state(device.UUID)
		st.mu.Lock()
		st.gen++
		m.logger.Info("recovering device", zap.String("uuid", device.UUID), zap.String("state", string(device.State)))
		_, err := m.enter(ctx, st, device)
		st.mu.Unlock()
		if err != nil {
			return fmt.Errorf("recover device %s: %w", device.UUID, err)
		}
	}
	return nil
}
