package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/repository"
	"github.com/jbweber/homelab/director/internal/testutil"
)

type fixture struct {
	alloc *Allocator
	clock *clock.Fake
	store *repository.Store
}

func setup(t *testing.T, defaultSubnet string) fixture {
	t.Helper()
	ds := testutil.SetupTestDatastore(t)
	clk := testutil.NewFakeClock()
	return fixture{
		alloc: New(ds, clk, zap.NewNop(), defaultSubnet),
		clock: clk,
		store: repository.NewStore(ds.DB),
	}
}

func (f fixture) subnet(t *testing.T, s domain.Subnet) domain.Subnet {
	t.Helper()
	saved, err := f.store.Subnets.Save(context.Background(), s)
	require.NoError(t, err)
	return saved
}

func (f fixture) iface(t *testing.T, uuid, mac, rack string) domain.Interface {
	t.Helper()
	ctx := context.Background()
	device, err := f.store.Devices.FindByUUID(ctx, uuid)
	if errors.Is(err, repository.ErrNotFound) {
		device, err = f.store.Devices.Save(ctx, domain.Device{UUID: uuid})
	}
	require.NoError(t, err)
	iface, err := f.store.Interfaces.Save(ctx, domain.Interface{DeviceID: device.ID, MAC: mac, RackIdentifier: rack})
	require.NoError(t, err)
	return iface
}

func rackA() domain.Subnet {
	return domain.Subnet{
		Name:           "rack-a",
		NetworkIPv4:    "10.0.0.0",
		SubnetMaskIPv4: "255.255.255.0",
		GatewayIPv4:    "10.0.0.1",
		DNSServers:     []string{"10.0.0.53"},
		LeaseTime:      3600 * time.Second,
		RackIdentifier: "rack-a",
	}
}

// tiny has exactly one leasable address: 10.0.1.2.
func tiny() domain.Subnet {
	return domain.Subnet{
		Name:           "tiny",
		NetworkIPv4:    "10.0.1.0",
		SubnetMaskIPv4: "255.255.255.252",
		GatewayIPv4:    "10.0.1.1",
		LeaseTime:      time.Hour,
	}
}

func activeLeases(t *testing.T, store *repository.Store, ifaceID int64) []domain.Lease {
	t.Helper()
	all, err := store.Leases.FindByInterfaceID(context.Background(), ifaceID)
	require.NoError(t, err)
	var active []domain.Lease
	for _, l := range all {
		if l.Active {
			active = append(active, l)
		}
	}
	return active
}

func TestAllocate_FirstAddressAndSupersession(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")

	first, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", first.IPAddress)
	assert.True(t, first.Active)
	assert.True(t, first.LeaseStart.Equal(testutil.Epoch))
	assert.True(t, first.LeaseEnd.Equal(testutil.Epoch.Add(3600*time.Second)))

	stored, err := f.store.Interfaces.FindByID(ctx, iface.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", stored.IPv4)
	require.NotNil(t, stored.SubnetID)
	assert.Equal(t, subnet.ID, *stored.SubnetID)

	f.clock.Advance(time.Minute)
	second, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "10.0.0.2", second.IPAddress)

	active := activeLeases(t, f.store, iface.ID)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	old, err := f.store.Leases.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
}

func TestAllocate_SkipsLeasedAndGateway(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())

	var got []string
	for i, mac := range []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"} {
		iface := f.iface(t, "u"+string(rune('1'+i)), mac, "")
		lease, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
		require.NoError(t, err)
		got = append(got, lease.IPAddress)
	}
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3", "10.0.0.4"}, got)
}

func TestAllocate_SkipsStaticAddresses(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())

	device, err := f.store.Devices.Save(ctx, domain.Device{UUID: "u1"})
	require.NoError(t, err)
	_, err = f.store.Interfaces.Save(ctx, domain.Interface{
		DeviceID: device.ID, MAC: "aa:bb:cc:dd:ee:10", IsBMC: true, IPv4: "10.0.0.2",
	})
	require.NoError(t, err)
	// Addresses outside the subnet do not matter.
	_, err = f.store.Interfaces.Save(ctx, domain.Interface{
		DeviceID: device.ID, MAC: "aa:bb:cc:dd:ee:11", IsBMC: true, IPv4: "192.168.50.3",
	})
	require.NoError(t, err)

	iface := f.iface(t, "u2", "aa:bb:cc:dd:ee:01", "")
	lease, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", lease.IPAddress)
}

func TestDecline(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")

	lease, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", lease.IPAddress)

	assert.ErrorIs(t, f.alloc.Decline(ctx, iface.ID, "10.0.0.9"), ErrLeaseInactive)
	require.NoError(t, f.alloc.Decline(ctx, iface.ID, "10.0.0.2"))
	assert.ErrorIs(t, f.alloc.Decline(ctx, iface.ID, "10.0.0.2"), ErrLeaseInactive)
	assert.Empty(t, activeLeases(t, f.store, iface.ID))

	stored, err := f.store.Interfaces.FindByID(ctx, iface.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.IPv4)

	next, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", next.IPAddress)

	f.clock.Advance(subnet.LeaseTime)
	other := f.iface(t, "u2", "aa:bb:cc:dd:ee:02", "")
	freed, err := f.alloc.Allocate(ctx, other.ID, subnet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", freed.IPAddress, "quarantine lapses after one lease time")
}

func TestAllocate_Exhaustion(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, tiny())
	a := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")
	b := f.iface(t, "u2", "aa:bb:cc:dd:ee:02", "")

	lease, err := f.alloc.Allocate(ctx, a.ID, subnet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.2", lease.IPAddress)

	_, err = f.alloc.Allocate(ctx, b.ID, subnet.ID)
	assert.ErrorIs(t, err, ErrAddressExhausted)

	// Once the lease lapses the address is reclaimed at allocation time
	f.clock.Advance(time.Hour)
	lease, err = f.alloc.Allocate(ctx, b.ID, subnet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.2", lease.IPAddress)
	assert.Empty(t, activeLeases(t, f.store, a.ID))

	stale, err := f.store.Interfaces.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, stale.IPv4)
}

func TestAllocate_ConcurrentLastAddress(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, tiny())
	a := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")
	b := f.iface(t, "u2", "aa:bb:cc:dd:ee:02", "")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, id := range []int64{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.alloc.Allocate(ctx, id, subnet.ID)
		}(i, id)
	}
	wg.Wait()

	successes, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAddressExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, exhausted)

	active, err := f.store.Leases.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "10.0.1.2", active[0].IPAddress)
}

func TestAllocate_ConcurrentSameInterface(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, activeLeases(t, f.store, iface.ID), 1)
	history, err := f.store.Leases.FindByInterfaceID(ctx, iface.ID)
	require.NoError(t, err)
	assert.Len(t, history, 8)
}

func TestRenew(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")

	lease, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	renewed, err := f.alloc.Renew(ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.IPAddress, renewed.IPAddress)
	assert.True(t, renewed.LeaseEnd.Equal(testutil.Epoch.Add(90*time.Minute)))

	stored, err := f.store.Leases.FindByID(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, stored.LeaseEnd.Equal(renewed.LeaseEnd))
}

func TestRenew_Expired(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")

	lease, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.alloc.Renew(ctx, lease.ID)
	assert.ErrorIs(t, err, ErrLeaseInactive)

	// The old lease stays dead
	stored, err := f.store.Leases.FindByID(ctx, lease.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	_, err = f.alloc.Renew(ctx, lease.ID)
	assert.ErrorIs(t, err, ErrLeaseInactive)

	_, err = f.alloc.Renew(ctx, 9999)
	assert.ErrorIs(t, err, ErrLeaseInactive)
}

func TestRelease(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")

	lease, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)

	require.NoError(t, f.alloc.Release(ctx, lease.ID))
	require.NoError(t, f.alloc.Release(ctx, lease.ID))
	assert.ErrorIs(t, f.alloc.Release(ctx, 9999), ErrLeaseInactive)

	_, err = f.alloc.ActiveLease(ctx, iface.ID)
	assert.ErrorIs(t, err, ErrLeaseInactive)
	_, err = f.alloc.Renew(ctx, lease.ID)
	assert.ErrorIs(t, err, ErrLeaseInactive)

	stored, err := f.store.Interfaces.FindByID(ctx, iface.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.IPv4)
}

func TestSelectSubnet(t *testing.T) {
	f := setup(t, "fallback")
	ctx := context.Background()
	rack := f.subnet(t, rackA())
	fallback := f.subnet(t, tiny())
	fallback.Name = "fallback"
	fallback, err := f.store.Subnets.Save(ctx, fallback)
	require.NoError(t, err)

	got, err := f.alloc.SelectSubnet(ctx, domain.Interface{MAC: "m", RackIdentifier: "rack-a"})
	require.NoError(t, err)
	assert.Equal(t, rack.ID, got.ID)

	got, err = f.alloc.SelectSubnet(ctx, domain.Interface{MAC: "m", RackIdentifier: "rack-z"})
	require.NoError(t, err)
	assert.Equal(t, fallback.ID, got.ID)

	noDefault := New(f.alloc.ds, f.clock, zap.NewNop(), "")
	_, err = noDefault.SelectSubnet(ctx, domain.Interface{MAC: "m"})
	assert.ErrorIs(t, err, ErrNoSubnet)
}

func TestEnsure(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "rack-a")

	first, err := f.alloc.Ensure(ctx, iface)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", first.IPAddress)

	again, err := f.alloc.Ensure(ctx, iface)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	f.clock.Advance(2 * time.Hour)
	fresh, err := f.alloc.Ensure(ctx, iface)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Len(t, activeLeases(t, f.store, iface.ID), 1)

	orphan := f.iface(t, "u2", "aa:bb:cc:dd:ee:02", "rack-z")
	_, err = f.alloc.Ensure(ctx, orphan)
	assert.ErrorIs(t, err, ErrNoSubnet)
}

func TestExpireLeasesAndSweeper(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()
	subnet := f.subnet(t, rackA())
	iface := f.iface(t, "u1", "aa:bb:cc:dd:ee:01", "")

	_, err := f.alloc.Allocate(ctx, iface.ID, subnet.ID)
	require.NoError(t, err)

	n, err := f.alloc.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	sweeper := NewSweeper(f.alloc, f.clock, 15*time.Minute, zap.NewNop())
	sweeper.Start()
	f.clock.Advance(45 * time.Minute)
	assert.Len(t, activeLeases(t, f.store, iface.ID), 1)

	f.clock.Advance(15 * time.Minute)
	assert.Empty(t, activeLeases(t, f.store, iface.ID))

	sweeper.Stop()
	assert.Zero(t, f.clock.Pending())
}
