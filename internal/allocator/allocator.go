// Package allocator hands out and retires DHCP leases.
package allocator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/metrics"
	"github.com/jbweber/homelab/director/internal/repository"
)

var (
	// ErrAddressExhausted is returned when a subnet has no free address.
	ErrAddressExhausted = errors.New("address pool exhausted")

	// ErrLeaseInactive is returned when renewing or releasing a lease that
	// has expired, been released or never existed.
	ErrLeaseInactive = errors.New("lease not found or inactive")

	// ErrNoSubnet is returned when no subnet serves an interface.
	ErrNoSubnet = errors.New("no subnet for interface")

	// ErrAddressOutOfRange is returned for addresses outside their subnet.
	ErrAddressOutOfRange = errors.New("address outside subnet")
)

// Allocator manages leases. All multi-step changes run in one transaction,
// so supersession of an interface's lease is atomic.
type Allocator struct {
	ds            *datastore.Datastore
	clock         clock.Clock
	logger        *zap.Logger
	defaultSubnet string
}

// New creates an allocator. defaultSubnet names the subnet used when no
// subnet matches an interface's rack; it may be empty.
func New(ds *datastore.Datastore, clk clock.Clock, logger *zap.Logger, defaultSubnet string) *Allocator {
	return &Allocator{
		ds:            ds,
		clock:         clk,
		logger:        logger.Named("allocator"),
		defaultSubnet: defaultSubnet,
	}
}

// SelectSubnet picks the subnet whose rack identifier matches the
// interface's, else the default subnet.
func (a *Allocator) SelectSubnet(ctx context.Context, iface domain.Interface) (domain.Subnet, error) {
	return a.selectSubnet(ctx, repository.NewStore(a.ds.DB), iface)
}

func (a *Allocator) selectSubnet(ctx context.Context, store *repository.Store, iface domain.Interface) (domain.Subnet, error) {
	if iface.RackIdentifier != "" {
		subnet, err := store.Subnets.FindByRack(ctx, iface.RackIdentifier)
		if err == nil {
			return subnet, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.Subnet{}, err
		}
	}
	if a.defaultSubnet != "" {
		subnet, err := store.Subnets.FindByName(ctx, a.defaultSubnet)
		if err == nil {
			return subnet, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.Subnet{}, err
		}
	}
	return domain.Subnet{}, fmt.Errorf("interface %s (rack %q): %w", iface.MAC, iface.RackIdentifier, ErrNoSubnet)
}

// Allocate binds the lowest free address of the subnet to the interface.
// Any active lease the interface holds is deactivated in the same
// transaction. Expired leases of the subnet are retired first.
func (a *Allocator) Allocate(ctx context.Context, interfaceID, subnetID int64) (domain.Lease, error) {
	var lease domain.Lease
	err := a.ds.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		lease, err = a.allocate(ctx, repository.NewStore(tx), interfaceID, subnetID)
		return err
	})
	if err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// Ensure returns the interface's active, unexpired lease, allocating one
// from the selected subnet when there is none.
func (a *Allocator) Ensure(ctx context.Context, iface domain.Interface) (domain.Lease, error) {
	var lease domain.Lease
	err := a.ds.Tx(ctx, func(tx *sql.Tx) error {
		store := repository.NewStore(tx)
		current, err := store.Leases.FindActiveByInterface(ctx, iface.ID)
		if err == nil && !current.Expired(a.clock.Now()) {
			lease = current
			return nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		subnet, err := a.selectSubnet(ctx, store, iface)
		if err != nil {
			return err
		}
		lease, err = a.allocate(ctx, store, iface.ID, subnet.ID)
		return err
	})
	if err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

func (a *Allocator) allocate(ctx context.Context, store *repository.Store, interfaceID, subnetID int64) (domain.Lease, error) {
	now := a.clock.Now()

	subnet, err := store.Subnets.FindByID(ctx, subnetID)
	if err != nil {
		return domain.Lease{}, err
	}

	expired, err := store.Leases.ExpireInSubnet(ctx, subnet.ID, now)
	if err != nil {
		return domain.Lease{}, err
	}
	if err := clearAddresses(ctx, store, expired, now); err != nil {
		return domain.Lease{}, err
	}
	metrics.LeasesExpiredTotal.Add(float64(len(expired)))

	superseded, err := store.Leases.DeactivateByInterface(ctx, interfaceID)
	if err != nil {
		return domain.Lease{}, err
	}
	if err := clearAddresses(ctx, store, superseded, now); err != nil {
		return domain.Lease{}, err
	}

	used, err := store.Leases.ActiveAddresses(ctx, subnet.ID)
	if err != nil {
		return domain.Lease{}, err
	}
	declined, err := store.Leases.QuarantinedAddresses(ctx, subnet.ID, now)
	if err != nil {
		return domain.Lease{}, err
	}
	// Statically configured addresses, such as BMCs reporting their own
	// LAN settings, hold no lease but are still in use.
	static, err := store.Interfaces.AddressesExcept(ctx, interfaceID)
	if err != nil {
		return domain.Lease{}, err
	}
	used = append(used, declined...)
	used = append(used, static...)

	addr, err := lowestFree(subnet, used)
	if err != nil {
		metrics.LeaseAllocationsTotal.WithLabelValues(subnet.Name, "exhausted").Inc()
		return domain.Lease{}, fmt.Errorf("subnet %s: %w", subnet.Name, err)
	}

	lease, err := store.Leases.Save(ctx, domain.Lease{
		InterfaceID: interfaceID,
		SubnetID:    subnet.ID,
		IPAddress:   addr.String(),
		LeaseStart:  now,
		LeaseEnd:    now.Add(subnet.LeaseTime),
		Active:      true,
	})
	if err != nil {
		metrics.LeaseAllocationsTotal.WithLabelValues(subnet.Name, "error").Inc()
		return domain.Lease{}, err
	}
	if err := store.Interfaces.SetAddress(ctx, interfaceID, lease.IPAddress, subnet.ID, now); err != nil {
		return domain.Lease{}, err
	}

	metrics.LeaseAllocationsTotal.WithLabelValues(subnet.Name, "success").Inc()
	a.logger.Debug("lease allocated",
		zap.Int64("interface_id", interfaceID),
		zap.String("subnet", subnet.Name),
		zap.String("ip", lease.IPAddress),
		zap.Time("lease_end", lease.LeaseEnd),
		zap.Int("superseded", len(superseded)),
	)
	return lease, nil
}

// Renew extends an active lease by its subnet's lease time without
// changing the address. Expired leases are retired rather than revived.
func (a *Allocator) Renew(ctx context.Context, leaseID int64) (domain.Lease, error) {
	var (
		lease   domain.Lease
		retired bool
	)
	err := a.ds.Tx(ctx, func(tx *sql.Tx) error {
		store := repository.NewStore(tx)
		now := a.clock.Now()

		var err error
		lease, err = store.Leases.FindByID(ctx, leaseID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("lease %d: %w", leaseID, ErrLeaseInactive)
		}
		if err != nil {
			return err
		}
		if !lease.Active {
			return fmt.Errorf("lease %d: %w", leaseID, ErrLeaseInactive)
		}
		if lease.Expired(now) {
			if _, err := store.Leases.Deactivate(ctx, lease.ID); err != nil {
				return err
			}
			retired = true
			return clearAddresses(ctx, store, []domain.Lease{lease}, now)
		}

		subnet, err := store.Subnets.FindByID(ctx, lease.SubnetID)
		if err != nil {
			return err
		}
		lease.LeaseEnd = now.Add(subnet.LeaseTime)
		return store.Leases.Extend(ctx, lease.ID, lease.LeaseEnd)
	})
	if err != nil {
		return domain.Lease{}, err
	}
	if retired {
		metrics.LeasesExpiredTotal.Inc()
		return domain.Lease{}, fmt.Errorf("lease %d expired: %w", leaseID, ErrLeaseInactive)
	}
	return lease, nil
}

// Release deactivates a lease. Releasing an inactive lease is a no-op.
func (a *Allocator) Release(ctx context.Context, leaseID int64) error {
	return a.ds.Tx(ctx, func(tx *sql.Tx) error {
		store := repository.NewStore(tx)
		lease, err := store.Leases.FindByID(ctx, leaseID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("lease %d: %w", leaseID, ErrLeaseInactive)
		}
		if err != nil {
			return err
		}
		released, err := store.Leases.Deactivate(ctx, lease.ID)
		if err != nil || !released {
			return err
		}
		a.logger.Debug("lease released", zap.Int64("lease_id", lease.ID), zap.String("ip", lease.IPAddress))
		return clearAddresses(ctx, store, []domain.Lease{lease}, a.clock.Now())
	})
}

// Decline handles a client reporting that addr is already in use on its
// link. The interface's lease on addr is retired and the address is
// withheld from allocation for one lease time.
func (a *Allocator) Decline(ctx context.Context, interfaceID int64, addr string) error {
	return a.ds.Tx(ctx, func(tx *sql.Tx) error {
		store := repository.NewStore(tx)
		now := a.clock.Now()

		lease, err := store.Leases.FindActiveByInterface(ctx, interfaceID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("interface %d: %w", interfaceID, ErrLeaseInactive)
		}
		if err != nil {
			return err
		}
		if lease.IPAddress != addr {
			return fmt.Errorf("interface %d holds %s, not %s: %w", interfaceID, lease.IPAddress, addr, ErrLeaseInactive)
		}

		subnet, err := store.Subnets.FindByID(ctx, lease.SubnetID)
		if err != nil {
			return err
		}
		if _, err := store.Leases.Deactivate(ctx, lease.ID); err != nil {
			return err
		}
		if err := clearAddresses(ctx, store, []domain.Lease{lease}, now); err != nil {
			return err
		}
		until := now.Add(subnet.LeaseTime)
		if err := store.Leases.Quarantine(ctx, subnet.ID, addr, until); err != nil {
			return err
		}

		metrics.LeaseAllocationsTotal.WithLabelValues(subnet.Name, "declined").Inc()
		a.logger.Warn("address declined",
			zap.Int64("interface_id", interfaceID),
			zap.String("subnet", subnet.Name),
			zap.String("ip", addr),
			zap.Time("declined_until", until),
		)
		return nil
	})
}

// ActiveLease returns the interface's active lease, if any.
func (a *Allocator) ActiveLease(ctx context.Context, interfaceID int64) (domain.Lease, error) {
	lease, err := repository.NewLeaseRepository(a.ds.DB).FindActiveByInterface(ctx, interfaceID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Lease{}, fmt.Errorf("interface %d: %w", interfaceID, ErrLeaseInactive)
	}
	return lease, err
}

// ExpireLeases deactivates every lease whose end has passed.
func (a *Allocator) ExpireLeases(ctx context.Context) (int, error) {
	var n int
	err := a.ds.Tx(ctx, func(tx *sql.Tx) error {
		store := repository.NewStore(tx)
		now := a.clock.Now()
		expired, err := store.Leases.Expire(ctx, now)
		if err != nil {
			return err
		}
		n = len(expired)
		return clearAddresses(ctx, store, expired, now)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LeasesExpiredTotal.Add(float64(n))
		a.logger.Info("expired leases", zap.Int("count", n))
	}
	return n, nil
}

func clearAddresses(ctx context.Context, store *repository.Store, leases []domain.Lease, at time.Time) error {
	for _, l := range leases {
		if err := store.Interfaces.ClearAddress(ctx, l.InterfaceID, l.IPAddress, at); err != nil {
			return err
		}
	}
	return nil
}
