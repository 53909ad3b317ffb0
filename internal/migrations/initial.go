package migrations

import "database/sql"

// GetInitialMigrations returns the schema migrations for devices,
// interfaces, subnets and leases.
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_inventory_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`CREATE TABLE IF NOT EXISTS devices (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						uuid TEXT NOT NULL UNIQUE,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						lifecycle_state TEXT NOT NULL DEFAULT 'discovered'
					)`,
					`CREATE TABLE IF NOT EXISTS subnets (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						network_ipv4 TEXT,
						network_ipv6 TEXT,
						subnet_mask_ipv4 TEXT,
						prefix_length_ipv6 INTEGER,
						gateway_ipv4 TEXT,
						gateway_ipv6 TEXT,
						dns_servers TEXT NOT NULL DEFAULT '[]',
						lease_time INTEGER NOT NULL DEFAULT 3600,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE IF NOT EXISTS interfaces (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id INTEGER NOT NULL,
						mac_address TEXT NOT NULL UNIQUE,
						ipv4_address TEXT,
						ipv6_address TEXT,
						is_bmc INTEGER NOT NULL DEFAULT 0,
						rack_identifier TEXT,
						rack_port TEXT,
						subnet_id INTEGER,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE,
						FOREIGN KEY (subnet_id) REFERENCES subnets(id) ON DELETE SET NULL
					)`,
					`CREATE TABLE IF NOT EXISTS dhcp_leases (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						interface_id INTEGER NOT NULL,
						subnet_id INTEGER NOT NULL,
						ip_address TEXT NOT NULL,
						lease_start DATETIME NOT NULL,
						lease_end DATETIME NOT NULL,
						is_active INTEGER NOT NULL DEFAULT 1,
						FOREIGN KEY (interface_id) REFERENCES interfaces(id) ON DELETE CASCADE,
						FOREIGN KEY (subnet_id) REFERENCES subnets(id) ON DELETE CASCADE
					)`,
				})
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					"DROP TABLE IF EXISTS dhcp_leases",
					"DROP TABLE IF EXISTS interfaces",
					"DROP TABLE IF EXISTS subnets",
					"DROP TABLE IF EXISTS devices",
				})
			},
		},
		{
			Version: 2,
			Name:    "add_lifecycle_bookkeeping",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					"ALTER TABLE devices ADD COLUMN fault_reason TEXT NOT NULL DEFAULT ''",
					"ALTER TABLE devices ADD COLUMN last_action TEXT NOT NULL DEFAULT ''",
					"ALTER TABLE devices ADD COLUMN boot_interface_id INTEGER REFERENCES interfaces(id) ON DELETE SET NULL",
					"ALTER TABLE devices ADD COLUMN updated_at DATETIME",
					"ALTER TABLE interfaces ADD COLUMN last_seen_at DATETIME",
					"ALTER TABLE subnets ADD COLUMN rack_identifier TEXT NOT NULL DEFAULT ''",
					// At most one active lease per interface and per (subnet, address).
					"CREATE UNIQUE INDEX IF NOT EXISTS idx_dhcp_leases_active_interface ON dhcp_leases(interface_id) WHERE is_active = 1",
					"CREATE UNIQUE INDEX IF NOT EXISTS idx_dhcp_leases_active_address ON dhcp_leases(subnet_id, ip_address) WHERE is_active = 1",
				})
			},
			// Column drops are blocked by the boot_interface_id foreign key.
			Down: nil,
		},
	}
}
