// Package registry maps hardware identities observed on the wire to
// devices and interfaces.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/metrics"
	"github.com/jbweber/homelab/director/internal/repository"
)

var (
	// ErrIdentityConflict is returned when a MAC address is observed with a
	// UUID other than the one of the device that owns it.
	ErrIdentityConflict = errors.New("identity conflict")

	// ErrInvalidIdentity is returned for malformed MAC addresses or UUIDs.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrAddressInUse is returned when a reported address is leased to or
	// recorded on another interface.
	ErrAddressInUse = errors.New("address in use")
)

// IdentityConflictError describes a MAC claimed by a second device.
type IdentityConflictError struct {
	MAC         string
	ClaimedUUID string
	OwnerUUID   string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("MAC %s belongs to device %s, not %s", e.MAC, e.OwnerUUID, e.ClaimedUUID)
}

// Is makes errors.Is(err, ErrIdentityConflict) match.
func (e *IdentityConflictError) Is(target error) bool {
	return target == ErrIdentityConflict
}

// Sighting is one observation of a hardware identity.
type Sighting struct {
	UUID           string // optional; a fresh one is assigned on creation
	MAC            string
	IsBMC          bool
	RackIdentifier string
	RackPort       string
	IPv4           string // address reported by the booted agent, BMC only
}

// Handle is the resolved device and interface of a sighting.
type Handle struct {
	Device           domain.Device
	Interface        domain.Interface
	DeviceCreated    bool
	InterfaceCreated bool
}

// Registry resolves sightings against the store.
type Registry struct {
	ds     *datastore.Datastore
	clock  clock.Clock
	logger *zap.Logger
}

// New creates a registry.
func New(ds *datastore.Datastore, clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{ds: ds, clock: clk, logger: logger.Named("registry")}
}

// NormalizeMAC returns the canonical lower-case colon form of mac.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", fmt.Errorf("MAC %q: %w", mac, ErrInvalidIdentity)
	}
	return hw.String(), nil
}

// NormalizeUUID returns the canonical lower-case form of id.
func NormalizeUUID(id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("UUID %q: %w", id, ErrInvalidIdentity)
	}
	return parsed.String(), nil
}

// ResolveOrCreate finds the device for s by UUID, else by MAC, else creates
// it together with an interface for the MAC. Presence timestamps are
// refreshed on every successful resolution. Ownership of a MAC is never
// reassigned.
func (r *Registry) ResolveOrCreate(ctx context.Context, s Sighting) (Handle, error) {
	mac, err := NormalizeMAC(s.MAC)
	if err != nil {
		return Handle{}, err
	}
	claimed := ""
	if s.UUID != "" {
		if claimed, err = NormalizeUUID(s.UUID); err != nil {
			return Handle{}, err
		}
	}
	now := r.clock.Now()

	var h Handle
	err = r.ds.Tx(ctx, func(tx *sql.Tx) error {
		store := repository.NewStore(tx)

		iface, err := store.Interfaces.FindByMAC(ctx, mac)
		ifaceFound := err == nil
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if s.IPv4 != "" && (!ifaceFound || iface.IPv4 != s.IPv4) {
			if err := checkAddressFree(ctx, store, s.IPv4, iface.ID); err != nil {
				return err
			}
		}

		var device domain.Device
		deviceFound := false
		switch {
		case claimed != "":
			device, err = store.Devices.FindByUUID(ctx, claimed)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			deviceFound = err == nil
			if ifaceFound && (!deviceFound || iface.DeviceID != device.ID) {
				owner, err := store.Devices.FindByID(ctx, iface.DeviceID)
				if err != nil {
					return err
				}
				return &IdentityConflictError{MAC: mac, ClaimedUUID: claimed, OwnerUUID: owner.UUID}
			}
		case ifaceFound:
			device, err = store.Devices.FindByID(ctx, iface.DeviceID)
			if err != nil {
				return err
			}
			deviceFound = true
		default:
			claimed = uuid.NewString()
		}

		if !deviceFound {
			device, err = store.Devices.Save(ctx, domain.Device{
				UUID:        claimed,
				State:       domain.StateDiscovered,
				CreatedAt:   now,
				FirstSeenAt: now,
				LastSeenAt:  now,
			})
			if err != nil {
				return err
			}
			h.DeviceCreated = true
		} else {
			if err := store.Devices.Touch(ctx, device.ID, now); err != nil {
				return err
			}
			device.LastSeenAt = now
		}

		if !ifaceFound {
			iface, err = store.Interfaces.Save(ctx, domain.Interface{
				DeviceID:       device.ID,
				MAC:            mac,
				IPv4:           s.IPv4,
				IsBMC:          s.IsBMC,
				RackIdentifier: s.RackIdentifier,
				RackPort:       s.RackPort,
				CreatedAt:      now,
				LastSeenAt:     now,
			})
			if err != nil {
				return err
			}
			h.InterfaceCreated = true
		} else {
			iface.LastSeenAt = now
			iface.UpdatedAt = now
			// BMC status is sticky; topology and reported addresses refresh.
			iface.IsBMC = iface.IsBMC || s.IsBMC
			if s.RackIdentifier != "" {
				iface.RackIdentifier = s.RackIdentifier
				iface.RackPort = s.RackPort
			}
			if s.IPv4 != "" {
				iface.IPv4 = s.IPv4
			}
			if iface, err = store.Interfaces.Save(ctx, iface); err != nil {
				return err
			}
		}

		h.Device = device
		h.Interface = iface
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIdentityConflict) {
			metrics.IdentityConflictsTotal.Inc()
			r.logger.Warn("identity conflict", zap.String("mac", mac), zap.Error(err))
		}
		return Handle{}, err
	}

	if h.DeviceCreated {
		metrics.DevicesDiscoveredTotal.Inc()
		r.logger.Info("device discovered",
			zap.String("uuid", h.Device.UUID),
			zap.String("mac", mac),
			zap.Bool("bmc", h.Interface.IsBMC),
		)
	} else if h.InterfaceCreated {
		r.logger.Info("interface added",
			zap.String("uuid", h.Device.UUID),
			zap.String("mac", mac),
			zap.Bool("bmc", h.Interface.IsBMC),
		)
	}
	return h, nil
}

// checkAddressFree fails with ErrAddressInUse when addr is held by any
// interface other than ifaceID, by lease or by a recorded address.
func checkAddressFree(ctx context.Context, store *repository.Store, addr string, ifaceID int64) error {
	subnet, err := store.Subnets.FindContaining(ctx, addr)
	switch {
	case err == nil:
		lease, err := store.Leases.FindActiveByAddress(ctx, subnet.ID, addr)
		if err == nil && lease.InterfaceID != ifaceID {
			return fmt.Errorf("%s is leased to interface %d: %w", addr, lease.InterfaceID, ErrAddressInUse)
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}

	held, err := store.Interfaces.AddressesExcept(ctx, ifaceID)
	if err != nil {
		return err
	}
	for _, h := range held {
		if h == addr {
			return fmt.Errorf("%s is recorded on another interface: %w", addr, ErrAddressInUse)
		}
	}
	return nil
}

// Lookup returns the device with the given UUID and its interfaces.
func (r *Registry) Lookup(ctx context.Context, id string) (domain.Device, []domain.Interface, error) {
	canonical, err := NormalizeUUID(id)
	if err != nil {
		return domain.Device{}, nil, err
	}
	store := repository.NewStore(r.ds.DB)
	device, err := store.Devices.FindByUUID(ctx, canonical)
	if err != nil {
		return domain.Device{}, nil, err
	}
	ifaces, err := store.Interfaces.FindByDeviceID(ctx, device.ID)
	if err != nil {
		return domain.Device{}, nil, err
	}
	return device, ifaces, nil
}

// Remove deletes a device. Interfaces and leases go with it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	canonical, err := NormalizeUUID(id)
	if err != nil {
		return err
	}
	store := repository.NewStore(r.ds.DB)
	device, err := store.Devices.FindByUUID(ctx, canonical)
	if err != nil {
		return err
	}
	if err := store.Devices.DeleteByID(ctx, device.ID); err != nil {
		return err
	}
	r.logger.Info("device removed", zap.String("uuid", canonical))
	return nil
}
