package repository

import (
	"context"
	"database/sql"
)

// Repository defines the basic CRUD operations for any entity type.
// This follows a similar pattern to Spring Data's Repository interface.
type Repository[T any, ID comparable] interface {
	// Save creates or updates an entity
	Save(ctx context.Context, entity T) (T, error)

	// FindByID retrieves an entity by its ID
	// Returns ErrNotFound if the entity doesn't exist
	FindByID(ctx context.Context, id ID) (T, error)

	// FindAll retrieves all entities
	FindAll(ctx context.Context) ([]T, error)

	// DeleteByID deletes an entity by its ID
	// Returns ErrNotFound if the entity doesn't exist
	DeleteByID(ctx context.Context, id ID) error

	// ExistsByID checks if an entity exists by its ID
	ExistsByID(ctx context.Context, id ID) (bool, error)
}

// DBTX is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store groups the repositories bound to one handle.
type Store struct {
	Devices    DeviceRepository
	Interfaces InterfaceRepository
	Subnets    SubnetRepository
	Leases     LeaseRepository
}

// NewStore binds every repository to db, which may be a transaction.
func NewStore(db DBTX) *Store {
	return &Store{
		Devices:    NewDeviceRepository(db),
		Interfaces: NewInterfaceRepository(db),
		Subnets:    NewSubnetRepository(db),
		Leases:     NewLeaseRepository(db),
	}
}
