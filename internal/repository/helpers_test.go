package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)
	return NewStore(db), db
}

func seedSubnet(t *testing.T, s *Store) domain.Subnet {
	t.Helper()
	subnet, err := s.Subnets.Save(context.Background(), domain.Subnet{
		Name:           "rack-a",
		NetworkIPv4:    "10.0.0.0",
		SubnetMaskIPv4: "255.255.255.0",
		GatewayIPv4:    "10.0.0.1",
		DNSServers:     []string{"10.0.0.53", "1.1.1.1"},
		LeaseTime:      time.Hour,
		RackIdentifier: "rack-a",
	})
	require.NoError(t, err)
	return subnet
}

func seedDevice(t *testing.T, s *Store, uuid string, macs ...string) (domain.Device, []domain.Interface) {
	t.Helper()
	ctx := context.Background()
	device, err := s.Devices.Save(ctx, domain.Device{UUID: uuid, CreatedAt: testutil.Epoch})
	require.NoError(t, err)

	var ifaces []domain.Interface
	for _, mac := range macs {
		iface, err := s.Interfaces.Save(ctx, domain.Interface{DeviceID: device.ID, MAC: mac, CreatedAt: testutil.Epoch})
		require.NoError(t, err)
		ifaces = append(ifaces, iface)
	}
	return device, ifaces
}
