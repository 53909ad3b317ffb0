package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/director/internal/domain"
)

// LeaseRepository defines domain-specific operations for DHCP leases
type LeaseRepository interface {
	Repository[domain.Lease, int64]
	FindActive(ctx context.Context) ([]domain.Lease, error)
	FindByInterfaceID(ctx context.Context, interfaceID int64) ([]domain.Lease, error)
	FindActiveByInterface(ctx context.Context, interfaceID int64) (domain.Lease, error)
	FindActiveByAddress(ctx context.Context, subnetID int64, ipAddress string) (domain.Lease, error)
	ActiveAddresses(ctx context.Context, subnetID int64) ([]string, error)
	Deactivate(ctx context.Context, id int64) (bool, error)
	DeactivateByInterface(ctx context.Context, interfaceID int64) ([]domain.Lease, error)
	Extend(ctx context.Context, id int64, end time.Time) error
	Expire(ctx context.Context, now time.Time) ([]domain.Lease, error)
	ExpireInSubnet(ctx context.Context, subnetID int64, now time.Time) ([]domain.Lease, error)
	Quarantine(ctx context.Context, subnetID int64, ipAddress string, until time.Time) error
	QuarantinedAddresses(ctx context.Context, subnetID int64, now time.Time) ([]string, error)
}

// leaseRepositoryImpl implements LeaseRepository
type leaseRepositoryImpl struct {
	db DBTX
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(db DBTX) LeaseRepository {
	return &leaseRepositoryImpl{db: db}
}

const leaseColumns = "id, interface_id, subnet_id, ip_address, lease_start, lease_end, is_active"

func scanLease(rs rowScanner) (domain.Lease, error) {
	var (
		l          domain.Lease
		start, end nullTime
	)
	if err := rs.Scan(&l.ID, &l.InterfaceID, &l.SubnetID, &l.IPAddress, &start, &end, &l.Active); err != nil {
		return domain.Lease{}, err
	}
	l.LeaseStart = start.Time
	l.LeaseEnd = end.Time
	return l, nil
}

// Save creates or updates a lease
func (r *leaseRepositoryImpl) Save(ctx context.Context, lease domain.Lease) (domain.Lease, error) {
	if lease.ID == 0 {
		return r.createLease(ctx, lease)
	}
	return r.updateLease(ctx, lease)
}

// createLease inserts a new lease. The partial unique indexes reject a
// second active lease for the interface or the address.
func (r *leaseRepositoryImpl) createLease(ctx context.Context, lease domain.Lease) (domain.Lease, error) {
	if lease.InterfaceID == 0 {
		return domain.Lease{}, fmt.Errorf("interface ID is required: %w", ErrInvalidEntity)
	}
	if lease.SubnetID == 0 {
		return domain.Lease{}, fmt.Errorf("subnet ID is required: %w", ErrInvalidEntity)
	}
	if _, err := netip.ParseAddr(lease.IPAddress); err != nil {
		return domain.Lease{}, fmt.Errorf("invalid IP address format %q: %w", lease.IPAddress, ErrInvalidEntity)
	}
	if !lease.LeaseEnd.After(lease.LeaseStart) {
		return domain.Lease{}, fmt.Errorf("lease end must follow lease start: %w", ErrInvalidEntity)
	}

	lease.LeaseStart = normalize(lease.LeaseStart)
	lease.LeaseEnd = normalize(lease.LeaseEnd)

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO dhcp_leases (interface_id, subnet_id, ip_address, lease_start, lease_end, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		lease.InterfaceID, lease.SubnetID, lease.IPAddress,
		formatTime(lease.LeaseStart), formatTime(lease.LeaseEnd), lease.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Lease{}, fmt.Errorf("active lease for %s: %w", lease.IPAddress, ErrDuplicate)
		}
		return domain.Lease{}, fmt.Errorf("failed to create lease: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Lease{}, fmt.Errorf("failed to get lease ID: %w", err)
	}
	lease.ID = id
	return lease, nil
}

// updateLease updates an existing lease in the database
func (r *leaseRepositoryImpl) updateLease(ctx context.Context, lease domain.Lease) (domain.Lease, error) {
	lease.LeaseStart = normalize(lease.LeaseStart)
	lease.LeaseEnd = normalize(lease.LeaseEnd)
	result, err := r.db.ExecContext(ctx, `
		UPDATE dhcp_leases
		SET ip_address = ?, lease_start = ?, lease_end = ?, is_active = ?
		WHERE id = ?`,
		lease.IPAddress, formatTime(lease.LeaseStart), formatTime(lease.LeaseEnd), lease.Active, lease.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Lease{}, fmt.Errorf("active lease for %s: %w", lease.IPAddress, ErrDuplicate)
		}
		return domain.Lease{}, fmt.Errorf("failed to update lease: %w", err)
	}
	if err := requireRow(result, "lease", lease.ID); err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// FindByID finds a lease by ID
func (r *leaseRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Lease, error) {
	l, err := scanLease(r.db.QueryRowContext(ctx, "SELECT "+leaseColumns+" FROM dhcp_leases WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lease{}, fmt.Errorf("lease with ID %d: %w", id, ErrNotFound)
		}
		return domain.Lease{}, fmt.Errorf("failed to find lease: %w", err)
	}
	return l, nil
}

// FindAll finds all leases, newest first
func (r *leaseRepositoryImpl) FindAll(ctx context.Context) ([]domain.Lease, error) {
	return r.query(ctx, "SELECT "+leaseColumns+" FROM dhcp_leases ORDER BY id DESC")
}

// FindActive finds all active leases
func (r *leaseRepositoryImpl) FindActive(ctx context.Context) ([]domain.Lease, error) {
	return r.query(ctx, "SELECT "+leaseColumns+" FROM dhcp_leases WHERE is_active = 1 ORDER BY id")
}

// FindByInterfaceID finds the lease history of an interface, newest first
func (r *leaseRepositoryImpl) FindByInterfaceID(ctx context.Context, interfaceID int64) ([]domain.Lease, error) {
	return r.query(ctx, "SELECT "+leaseColumns+" FROM dhcp_leases WHERE interface_id = ? ORDER BY id DESC", interfaceID)
}

// FindActiveByInterface finds the active lease of an interface
func (r *leaseRepositoryImpl) FindActiveByInterface(ctx context.Context, interfaceID int64) (domain.Lease, error) {
	l, err := scanLease(r.db.QueryRowContext(ctx,
		"SELECT "+leaseColumns+" FROM dhcp_leases WHERE interface_id = ? AND is_active = 1", interfaceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lease{}, fmt.Errorf("active lease for interface %d: %w", interfaceID, ErrNotFound)
		}
		return domain.Lease{}, fmt.Errorf("failed to find active lease: %w", err)
	}
	return l, nil
}

// FindActiveByAddress finds the active lease binding an address in a subnet
func (r *leaseRepositoryImpl) FindActiveByAddress(ctx context.Context, subnetID int64, ipAddress string) (domain.Lease, error) {
	l, err := scanLease(r.db.QueryRowContext(ctx,
		"SELECT "+leaseColumns+" FROM dhcp_leases WHERE subnet_id = ? AND ip_address = ? AND is_active = 1",
		subnetID, ipAddress))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lease{}, fmt.Errorf("active lease for %s: %w", ipAddress, ErrNotFound)
		}
		return domain.Lease{}, fmt.Errorf("failed to find lease by address: %w", err)
	}
	return l, nil
}

// ActiveAddresses lists the addresses currently bound in a subnet
func (r *leaseRepositoryImpl) ActiveAddresses(ctx context.Context, subnetID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT ip_address FROM dhcp_leases WHERE subnet_id = ? AND is_active = 1", subnetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active addresses: %w", err)
	}
	return scanAddresses(rows)
}

func scanAddresses(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// Deactivate marks a lease inactive. It reports whether the lease was
// active beforehand.
func (r *leaseRepositoryImpl) Deactivate(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, "UPDATE dhcp_leases SET is_active = 0 WHERE id = ? AND is_active = 1", id)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeactivateByInterface deactivates and returns the interface's active leases
func (r *leaseRepositoryImpl) DeactivateByInterface(ctx context.Context, interfaceID int64) ([]domain.Lease, error) {
	leases, err := r.query(ctx,
		"SELECT "+leaseColumns+" FROM dhcp_leases WHERE interface_id = ? AND is_active = 1", interfaceID)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx,
		"UPDATE dhcp_leases SET is_active = 0 WHERE interface_id = ? AND is_active = 1", interfaceID); err != nil {
		return nil, fmt.Errorf("failed to deactivate leases: %w", err)
	}
	for i := range leases {
		leases[i].Active = false
	}
	return leases, nil
}

// Extend moves the end of an active lease
func (r *leaseRepositoryImpl) Extend(ctx context.Context, id int64, end time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE dhcp_leases SET lease_end = ? WHERE id = ? AND is_active = 1", formatTime(end), id)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return requireRow(result, "active lease", id)
}

// Expire deactivates and returns every active lease whose end has passed
func (r *leaseRepositoryImpl) Expire(ctx context.Context, now time.Time) ([]domain.Lease, error) {
	return r.expire(ctx, "", now)
}

// ExpireInSubnet deactivates and returns the subnet's expired leases
func (r *leaseRepositoryImpl) ExpireInSubnet(ctx context.Context, subnetID int64, now time.Time) ([]domain.Lease, error) {
	return r.expire(ctx, " AND subnet_id = ?", now, subnetID)
}

func (r *leaseRepositoryImpl) expire(ctx context.Context, filter string, now time.Time, args ...any) ([]domain.Lease, error) {
	params := append([]any{formatTime(now)}, args...)
	leases, err := r.query(ctx,
		"SELECT "+leaseColumns+" FROM dhcp_leases WHERE is_active = 1 AND lease_end <= ?"+filter, params...)
	if err != nil {
		return nil, err
	}
	if len(leases) == 0 {
		return nil, nil
	}
	if _, err := r.db.ExecContext(ctx,
		"UPDATE dhcp_leases SET is_active = 0 WHERE is_active = 1 AND lease_end <= ?"+filter, params...); err != nil {
		return nil, fmt.Errorf("failed to expire leases: %w", err)
	}
	for i := range leases {
		leases[i].Active = false
	}
	return leases, nil
}

// Quarantine withholds an address from allocation until the given time.
// Quarantining an address again moves its deadline.
func (r *leaseRepositoryImpl) Quarantine(ctx context.Context, subnetID int64, ipAddress string, until time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO declined_addresses (subnet_id, ip_address, declined_until) VALUES (?, ?, ?)
		ON CONFLICT (subnet_id, ip_address) DO UPDATE SET declined_until = excluded.declined_until`,
		subnetID, ipAddress, formatTime(until))
	if err != nil {
		return fmt.Errorf("failed to quarantine address: %w", err)
	}
	return nil
}

// QuarantinedAddresses lists the subnet's addresses still withheld at now.
// Lapsed entries are dropped.
func (r *leaseRepositoryImpl) QuarantinedAddresses(ctx context.Context, subnetID int64, now time.Time) ([]string, error) {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM declined_addresses WHERE subnet_id = ? AND declined_until <= ?",
		subnetID, formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to prune quarantined addresses: %w", err)
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT ip_address FROM declined_addresses WHERE subnet_id = ?", subnetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined addresses: %w", err)
	}
	return scanAddresses(rows)
}

func (r *leaseRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Lease, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find leases: %w", err)
	}
	defer rows.Close()

	var leases []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// DeleteByID deletes a lease by ID
func (r *leaseRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM dhcp_leases WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return requireRow(result, "lease", id)
}

// ExistsByID checks if a lease exists by ID
func (r *leaseRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dhcp_leases WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check lease existence: %w", err)
	}
	return count > 0, nil
}
