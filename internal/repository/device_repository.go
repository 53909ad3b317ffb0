package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jbweber/homelab/director/internal/domain"
)

// DeviceRepository defines domain-specific operations for devices
type DeviceRepository interface {
	Repository[domain.Device, int64]
	FindByUUID(ctx context.Context, uuid string) (domain.Device, error)
	FindByStates(ctx context.Context, states ...domain.LifecycleState) ([]domain.Device, error)
	CountByState(ctx context.Context) (map[domain.LifecycleState]int, error)
	Touch(ctx context.Context, id int64, seenAt time.Time) error
	UpdateState(ctx context.Context, id int64, state domain.LifecycleState, faultReason string, at time.Time) error
	RecordAction(ctx context.Context, id int64, action string, at time.Time) error
	SetBootInterface(ctx context.Context, id, interfaceID int64, at time.Time) error
}

// deviceRepositoryImpl implements DeviceRepository
type deviceRepositoryImpl struct {
	db DBTX
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db DBTX) DeviceRepository {
	return &deviceRepositoryImpl{db: db}
}

const deviceColumns = `id, uuid, lifecycle_state, fault_reason, last_action, boot_interface_id,
	created_at, first_seen_at, last_seen_at, updated_at`

func scanDevice(rs rowScanner) (domain.Device, error) {
	var (
		d                                         domain.Device
		state                                     string
		bootIface                                 sql.NullInt64
		createdAt, firstSeen, lastSeen, updatedAt nullTime
	)
	if err := rs.Scan(&d.ID, &d.UUID, &state, &d.FaultReason, &d.LastAction, &bootIface,
		&createdAt, &firstSeen, &lastSeen, &updatedAt); err != nil {
		return domain.Device{}, err
	}
	d.State = domain.LifecycleState(state)
	d.BootInterfaceID = int64Ptr(bootIface)
	d.CreatedAt = createdAt.Time
	d.FirstSeenAt = firstSeen.Time
	d.LastSeenAt = lastSeen.Time
	d.UpdatedAt = updatedAt.Time
	return d, nil
}

// Save creates or updates a device
func (r *deviceRepositoryImpl) Save(ctx context.Context, device domain.Device) (domain.Device, error) {
	if device.ID == 0 {
		return r.createDevice(ctx, device)
	}
	return r.updateDevice(ctx, device)
}

func (r *deviceRepositoryImpl) createDevice(ctx context.Context, d domain.Device) (domain.Device, error) {
	if d.UUID == "" {
		return domain.Device{}, fmt.Errorf("device UUID is required: %w", ErrInvalidEntity)
	}
	if d.State == "" {
		d.State = domain.StateDiscovered
	}
	if !d.State.Valid() {
		return domain.Device{}, fmt.Errorf("unknown lifecycle state %q: %w", d.State, ErrInvalidEntity)
	}

	d.CreatedAt = stamp(d.CreatedAt)
	if d.FirstSeenAt.IsZero() {
		d.FirstSeenAt = d.CreatedAt
	}
	if d.LastSeenAt.IsZero() {
		d.LastSeenAt = d.FirstSeenAt
	}
	d.UpdatedAt = d.CreatedAt

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (uuid, lifecycle_state, fault_reason, last_action, boot_interface_id,
			created_at, first_seen_at, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UUID, string(d.State), d.FaultReason, d.LastAction, nullInt64(d.BootInterfaceID),
		formatTime(d.CreatedAt), formatTime(d.FirstSeenAt), formatTime(d.LastSeenAt), formatTime(d.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Device{}, fmt.Errorf("device with UUID %s: %w", d.UUID, ErrDuplicate)
		}
		return domain.Device{}, fmt.Errorf("failed to create device: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Device{}, fmt.Errorf("failed to get device ID: %w", err)
	}
	d.ID = id
	d.FirstSeenAt = normalize(d.FirstSeenAt)
	d.LastSeenAt = normalize(d.LastSeenAt)
	return d, nil
}

// updateDevice rewrites the mutable columns; the UUID is immutable.
func (r *deviceRepositoryImpl) updateDevice(ctx context.Context, d domain.Device) (domain.Device, error) {
	if !d.State.Valid() {
		return domain.Device{}, fmt.Errorf("unknown lifecycle state %q: %w", d.State, ErrInvalidEntity)
	}
	d.UpdatedAt = stamp(d.UpdatedAt)
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET lifecycle_state = ?, fault_reason = ?, last_action = ?, boot_interface_id = ?,
			last_seen_at = ?, updated_at = ?
		WHERE id = ?`,
		string(d.State), d.FaultReason, d.LastAction, nullInt64(d.BootInterfaceID),
		formatTime(stamp(d.LastSeenAt)), formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return domain.Device{}, fmt.Errorf("failed to update device: %w", err)
	}
	if err := requireRow(result, "device", d.ID); err != nil {
		return domain.Device{}, err
	}
	return d, nil
}

// FindByID retrieves a device by its ID
func (r *deviceRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Device{}, fmt.Errorf("device with ID %d: %w", id, ErrNotFound)
		}
		return domain.Device{}, fmt.Errorf("failed to find device: %w", err)
	}
	return d, nil
}

// FindByUUID retrieves a device by its UUID
func (r *deviceRepositoryImpl) FindByUUID(ctx context.Context, uuid string) (domain.Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE uuid = ?", uuid)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Device{}, fmt.Errorf("device with UUID %s: %w", uuid, ErrNotFound)
		}
		return domain.Device{}, fmt.Errorf("failed to find device by UUID: %w", err)
	}
	return d, nil
}

// FindAll retrieves all devices
func (r *deviceRepositoryImpl) FindAll(ctx context.Context) ([]domain.Device, error) {
	return r.query(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY id")
}

// FindByStates retrieves devices currently in any of the given states
func (r *deviceRepositoryImpl) FindByStates(ctx context.Context, states ...domain.LifecycleState) ([]domain.Device, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return r.query(ctx, "SELECT "+deviceColumns+" FROM devices WHERE lifecycle_state IN ("+placeholders+") ORDER BY id", args...)
}

func (r *deviceRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// CountByState returns the number of devices in each lifecycle state
func (r *deviceRepositoryImpl) CountByState(ctx context.Context) (map[domain.LifecycleState]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT lifecycle_state, COUNT(*) FROM devices GROUP BY lifecycle_state")
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.LifecycleState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan device count: %w", err)
		}
		counts[domain.LifecycleState(state)] = n
	}
	return counts, rows.Err()
}

// DeleteByID removes a device and, by cascade, its interfaces and leases
func (r *deviceRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return requireRow(result, "device", id)
}

// ExistsByID checks if a device exists by its ID
func (r *deviceRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check device existence: %w", err)
	}
	return count > 0, nil
}

// Touch records a sighting of the device
func (r *deviceRepositoryImpl) Touch(ctx context.Context, id int64, seenAt time.Time) error {
	result, err := r.db.ExecContext(ctx, "UPDATE devices SET last_seen_at = ? WHERE id = ?", formatTime(seenAt), id)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return requireRow(result, "device", id)
}

// UpdateState persists a lifecycle transition
func (r *deviceRepositoryImpl) UpdateState(ctx context.Context, id int64, state domain.LifecycleState, faultReason string, at time.Time) error {
	if !state.Valid() {
		return fmt.Errorf("unknown lifecycle state %q: %w", state, ErrInvalidEntity)
	}
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET lifecycle_state = ?, fault_reason = ?, updated_at = ? WHERE id = ?",
		string(state), faultReason, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update device state: %w", err)
	}
	return requireRow(result, "device", id)
}

// RecordAction stores the last management action attempted
func (r *deviceRepositoryImpl) RecordAction(ctx context.Context, id int64, action string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_action = ?, updated_at = ? WHERE id = ?", action, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to record device action: %w", err)
	}
	return requireRow(result, "device", id)
}

// SetBootInterface records the interface that most recently made a boot contact
func (r *deviceRepositoryImpl) SetBootInterface(ctx context.Context, id, interfaceID int64, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET boot_interface_id = ?, updated_at = ? WHERE id = ?", interfaceID, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to set boot interface: %w", err)
	}
	return requireRow(result, "device", id)
}

func requireRow(result sql.Result, entity string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s with ID %d: %w", entity, id, ErrNotFound)
	}
	return nil
}
