package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/director/internal/domain"
)

// InterfaceRepository defines domain-specific operations for interfaces
type InterfaceRepository interface {
	Repository[domain.Interface, int64]
	FindByMAC(ctx context.Context, mac string) (domain.Interface, error)
	FindByDeviceID(ctx context.Context, deviceID int64) ([]domain.Interface, error)
	FindManagementInterface(ctx context.Context, deviceID int64) (domain.Interface, error)
	Touch(ctx context.Context, id int64, seenAt time.Time) error
	SetAddress(ctx context.Context, id int64, addr string, subnetID int64, at time.Time) error
	ClearAddress(ctx context.Context, id int64, addr string, at time.Time) error
	AddressesExcept(ctx context.Context, id int64) ([]string, error)
}

// interfaceRepositoryImpl implements InterfaceRepository
type interfaceRepositoryImpl struct {
	db DBTX
}

// NewInterfaceRepository creates a new interface repository
func NewInterfaceRepository(db DBTX) InterfaceRepository {
	return &interfaceRepositoryImpl{db: db}
}

const interfaceColumns = `id, device_id, mac_address, ipv4_address, ipv6_address, is_bmc,
	rack_identifier, rack_port, subnet_id, created_at, updated_at, last_seen_at`

func scanInterface(rs rowScanner) (domain.Interface, error) {
	var (
		i                              domain.Interface
		ipv4, ipv6, rack, port         sql.NullString
		subnetID                       sql.NullInt64
		createdAt, updatedAt, lastSeen nullTime
	)
	if err := rs.Scan(&i.ID, &i.DeviceID, &i.MAC, &ipv4, &ipv6, &i.IsBMC,
		&rack, &port, &subnetID, &createdAt, &updatedAt, &lastSeen); err != nil {
		return domain.Interface{}, err
	}
	i.IPv4 = ipv4.String
	i.IPv6 = ipv6.String
	i.RackIdentifier = rack.String
	i.RackPort = port.String
	i.SubnetID = int64Ptr(subnetID)
	i.CreatedAt = createdAt.Time
	i.UpdatedAt = updatedAt.Time
	i.LastSeenAt = lastSeen.Time
	return i, nil
}

// Save creates or updates an interface
func (r *interfaceRepositoryImpl) Save(ctx context.Context, iface domain.Interface) (domain.Interface, error) {
	if iface.ID == 0 {
		return r.createInterface(ctx, iface)
	}
	return r.updateInterface(ctx, iface)
}

func (r *interfaceRepositoryImpl) createInterface(ctx context.Context, i domain.Interface) (domain.Interface, error) {
	if i.DeviceID == 0 {
		return domain.Interface{}, fmt.Errorf("device ID is required: %w", ErrInvalidEntity)
	}
	if i.MAC == "" {
		return domain.Interface{}, fmt.Errorf("MAC address is required: %w", ErrInvalidEntity)
	}

	i.CreatedAt = stamp(i.CreatedAt)
	i.UpdatedAt = i.CreatedAt
	if i.LastSeenAt.IsZero() {
		i.LastSeenAt = i.CreatedAt
	}
	i.LastSeenAt = normalize(i.LastSeenAt)

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO interfaces (device_id, mac_address, ipv4_address, ipv6_address, is_bmc,
			rack_identifier, rack_port, subnet_id, created_at, updated_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.DeviceID, i.MAC, nullString(i.IPv4), nullString(i.IPv6), i.IsBMC,
		nullString(i.RackIdentifier), nullString(i.RackPort), nullInt64(i.SubnetID),
		formatTime(i.CreatedAt), formatTime(i.UpdatedAt), formatTime(i.LastSeenAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Interface{}, fmt.Errorf("interface with MAC %s: %w", i.MAC, ErrDuplicate)
		}
		return domain.Interface{}, fmt.Errorf("failed to create interface: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Interface{}, fmt.Errorf("failed to get interface ID: %w", err)
	}
	i.ID = id
	return i, nil
}

// updateInterface rewrites the mutable columns; ownership and MAC never change.
func (r *interfaceRepositoryImpl) updateInterface(ctx context.Context, i domain.Interface) (domain.Interface, error) {
	i.UpdatedAt = stamp(i.UpdatedAt)
	result, err := r.db.ExecContext(ctx, `
		UPDATE interfaces
		SET ipv4_address = ?, ipv6_address = ?, is_bmc = ?, rack_identifier = ?, rack_port = ?,
			subnet_id = ?, updated_at = ?, last_seen_at = ?
		WHERE id = ?`,
		nullString(i.IPv4), nullString(i.IPv6), i.IsBMC, nullString(i.RackIdentifier), nullString(i.RackPort),
		nullInt64(i.SubnetID), formatTime(i.UpdatedAt), formatTime(stamp(i.LastSeenAt)), i.ID)
	if err != nil {
		return domain.Interface{}, fmt.Errorf("failed to update interface: %w", err)
	}
	if err := requireRow(result, "interface", i.ID); err != nil {
		return domain.Interface{}, err
	}
	return i, nil
}

// FindByID retrieves an interface by its ID
func (r *interfaceRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Interface, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+interfaceColumns+" FROM interfaces WHERE id = ?", id)
	i, err := scanInterface(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Interface{}, fmt.Errorf("interface with ID %d: %w", id, ErrNotFound)
		}
		return domain.Interface{}, fmt.Errorf("failed to find interface: %w", err)
	}
	return i, nil
}

// FindByMAC retrieves an interface by its MAC address
func (r *interfaceRepositoryImpl) FindByMAC(ctx context.Context, mac string) (domain.Interface, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+interfaceColumns+" FROM interfaces WHERE mac_address = ?", mac)
	i, err := scanInterface(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Interface{}, fmt.Errorf("interface with MAC %s: %w", mac, ErrNotFound)
		}
		return domain.Interface{}, fmt.Errorf("failed to find interface by MAC: %w", err)
	}
	return i, nil
}

// FindAll retrieves all interfaces
func (r *interfaceRepositoryImpl) FindAll(ctx context.Context) ([]domain.Interface, error) {
	return r.query(ctx, "SELECT "+interfaceColumns+" FROM interfaces ORDER BY id")
}

// FindByDeviceID retrieves every interface owned by a device
func (r *interfaceRepositoryImpl) FindByDeviceID(ctx context.Context, deviceID int64) ([]domain.Interface, error) {
	return r.query(ctx, "SELECT "+interfaceColumns+" FROM interfaces WHERE device_id = ? ORDER BY id", deviceID)
}

// FindManagementInterface returns the most recently seen BMC interface of
// a device that holds an IPv4 address.
func (r *interfaceRepositoryImpl) FindManagementInterface(ctx context.Context, deviceID int64) (domain.Interface, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+interfaceColumns+` FROM interfaces
		WHERE device_id = ? AND is_bmc = 1 AND ipv4_address IS NOT NULL AND ipv4_address != ''
		ORDER BY last_seen_at DESC, id DESC LIMIT 1`, deviceID)
	i, err := scanInterface(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Interface{}, fmt.Errorf("management interface for device %d: %w", deviceID, ErrNotFound)
		}
		return domain.Interface{}, fmt.Errorf("failed to find management interface: %w", err)
	}
	return i, nil
}

func (r *interfaceRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Interface, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	defer rows.Close()

	var ifaces []domain.Interface
	for rows.Next() {
		i, err := scanInterface(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interface: %w", err)
		}
		ifaces = append(ifaces, i)
	}
	return ifaces, rows.Err()
}

// DeleteByID removes an interface and its lease history
func (r *interfaceRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM interfaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete interface: %w", err)
	}
	return requireRow(result, "interface", id)
}

// ExistsByID checks if an interface exists by its ID
func (r *interfaceRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interfaces WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check interface existence: %w", err)
	}
	return count > 0, nil
}

// Touch records a sighting of the interface
func (r *interfaceRepositoryImpl) Touch(ctx context.Context, id int64, seenAt time.Time) error {
	result, err := r.db.ExecContext(ctx, "UPDATE interfaces SET last_seen_at = ? WHERE id = ?", formatTime(seenAt), id)
	if err != nil {
		return fmt.Errorf("failed to touch interface: %w", err)
	}
	return requireRow(result, "interface", id)
}

// SetAddress records a leased address on the interface, in the column
// matching its family.
func (r *interfaceRepositoryImpl) SetAddress(ctx context.Context, id int64, addr string, subnetID int64, at time.Time) error {
	column := "ipv4_address"
	if isIPv6(addr) {
		column = "ipv6_address"
	}
	result, err := r.db.ExecContext(ctx,
		"UPDATE interfaces SET "+column+" = ?, subnet_id = ?, updated_at = ? WHERE id = ?",
		addr, subnetID, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to set interface address: %w", err)
	}
	return requireRow(result, "interface", id)
}

// ClearAddress drops addr from the interface if it is still recorded there.
func (r *interfaceRepositoryImpl) ClearAddress(ctx context.Context, id int64, addr string, at time.Time) error {
	column := "ipv4_address"
	if isIPv6(addr) {
		column = "ipv6_address"
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE interfaces SET "+column+" = NULL, updated_at = ? WHERE id = ? AND "+column+" = ?",
		formatTime(at), id, addr)
	if err != nil {
		return fmt.Errorf("failed to clear interface address: %w", err)
	}
	return nil
}

// AddressesExcept lists the addresses recorded on every interface other
// than id, including statically configured ones that hold no lease.
func (r *interfaceRepositoryImpl) AddressesExcept(ctx context.Context, id int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ipv4_address FROM interfaces WHERE id != ? AND ipv4_address IS NOT NULL AND ipv4_address != ''
		UNION
		SELECT ipv6_address FROM interfaces WHERE id != ? AND ipv6_address IS NOT NULL AND ipv6_address != ''`,
		id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}
	return scanAddresses(rows)
}

func isIPv6(addr string) bool {
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			return true
		}
	}
	return false
}
