package migrations

import (
	"database/sql"
)

// GetPerformanceMigrations returns performance optimization migrations
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					"CREATE INDEX IF NOT EXISTS idx_interfaces_device_id ON interfaces(device_id)",
					"CREATE INDEX IF NOT EXISTS idx_interfaces_rack_identifier ON interfaces(rack_identifier)",
					"CREATE INDEX IF NOT EXISTS idx_devices_lifecycle_state ON devices(lifecycle_state)",
					"CREATE INDEX IF NOT EXISTS idx_dhcp_leases_subnet_active ON dhcp_leases(subnet_id, is_active)",
					"CREATE INDEX IF NOT EXISTS idx_dhcp_leases_active_end ON dhcp_leases(is_active, lease_end)",
					"CREATE INDEX IF NOT EXISTS idx_subnets_rack_identifier ON subnets(rack_identifier)",
				})
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					"DROP INDEX IF EXISTS idx_interfaces_device_id",
					"DROP INDEX IF EXISTS idx_interfaces_rack_identifier",
					"DROP INDEX IF EXISTS idx_devices_lifecycle_state",
					"DROP INDEX IF EXISTS idx_dhcp_leases_subnet_active",
					"DROP INDEX IF EXISTS idx_dhcp_leases_active_end",
					"DROP INDEX IF EXISTS idx_subnets_rack_identifier",
				})
			},
		},
	}
}
