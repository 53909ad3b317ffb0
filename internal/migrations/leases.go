package migrations

import (
	"database/sql"
)

// GetLeaseMigrations returns migrations for lease bookkeeping added after
// the initial schema.
func GetLeaseMigrations() []Migration {
	return []Migration{
		{
			Version: 11,
			Name:    "add_declined_addresses",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`CREATE TABLE IF NOT EXISTS declined_addresses (
						subnet_id INTEGER NOT NULL,
						ip_address TEXT NOT NULL,
						declined_until DATETIME NOT NULL,
						PRIMARY KEY (subnet_id, ip_address),
						FOREIGN KEY (subnet_id) REFERENCES subnets(id) ON DELETE CASCADE
					)`,
				})
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, []string{"DROP TABLE IF EXISTS declined_addresses"})
			},
		},
	}
}
