package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/director/internal/domain"
)

// SubnetRepository defines domain-specific operations for subnets
type SubnetRepository interface {
	Repository[domain.Subnet, int64]
	FindByName(ctx context.Context, name string) (domain.Subnet, error)
	FindByRack(ctx context.Context, rack string) (domain.Subnet, error)
	FindContaining(ctx context.Context, addr string) (domain.Subnet, error)
}

// subnetRepositoryImpl implements SubnetRepository
type subnetRepositoryImpl struct {
	db DBTX
}

// NewSubnetRepository creates a new subnet repository
func NewSubnetRepository(db DBTX) SubnetRepository {
	return &subnetRepositoryImpl{db: db}
}

const subnetColumns = `id, name, network_ipv4, network_ipv6, subnet_mask_ipv4, prefix_length_ipv6,
	gateway_ipv4, gateway_ipv6, dns_servers, lease_time, rack_identifier, created_at`

func scanSubnet(rs rowScanner) (domain.Subnet, error) {
	var (
		s                           domain.Subnet
		net4, net6, mask4, gw4, gw6 sql.NullString
		prefix6                     sql.NullInt64
		dnsJSON                     string
		leaseSeconds                int64
		createdAt                   nullTime
	)
	if err := rs.Scan(&s.ID, &s.Name, &net4, &net6, &mask4, &prefix6,
		&gw4, &gw6, &dnsJSON, &leaseSeconds, &s.RackIdentifier, &createdAt); err != nil {
		return domain.Subnet{}, err
	}
	s.NetworkIPv4 = net4.String
	s.NetworkIPv6 = net6.String
	s.SubnetMaskIPv4 = mask4.String
	s.PrefixLengthIPv6 = int(prefix6.Int64)
	s.GatewayIPv4 = gw4.String
	s.GatewayIPv6 = gw6.String
	s.LeaseTime = time.Duration(leaseSeconds) * time.Second
	s.CreatedAt = createdAt.Time
	if dnsJSON != "" {
		if err := json.Unmarshal([]byte(dnsJSON), &s.DNSServers); err != nil {
			return domain.Subnet{}, fmt.Errorf("decode dns_servers for subnet %s: %w", s.Name, err)
		}
	}
	return s, nil
}

// validateSubnet checks the pool is well formed and the gateways lie inside it.
func validateSubnet(s domain.Subnet) error {
	if s.Name == "" {
		return fmt.Errorf("subnet name is required: %w", ErrInvalidEntity)
	}
	if !s.HasIPv4() && !s.HasIPv6() {
		return fmt.Errorf("subnet %s needs an IPv4 or IPv6 network: %w", s.Name, ErrInvalidEntity)
	}
	if s.HasIPv4() {
		if _, err := s.PrefixIPv4(); err != nil {
			return fmt.Errorf("subnet %s: %v: %w", s.Name, err, ErrInvalidEntity)
		}
		if s.GatewayIPv4 != "" && !s.Contains(s.GatewayIPv4) {
			return fmt.Errorf("subnet %s: gateway %s outside network: %w", s.Name, s.GatewayIPv4, ErrInvalidEntity)
		}
	}
	if s.HasIPv6() {
		if _, err := s.PrefixIPv6(); err != nil {
			return fmt.Errorf("subnet %s: %v: %w", s.Name, err, ErrInvalidEntity)
		}
		if s.GatewayIPv6 != "" && !s.Contains(s.GatewayIPv6) {
			return fmt.Errorf("subnet %s: gateway %s outside network: %w", s.Name, s.GatewayIPv6, ErrInvalidEntity)
		}
	}
	if s.LeaseTime <= 0 {
		return fmt.Errorf("subnet %s: lease time must be positive: %w", s.Name, ErrInvalidEntity)
	}
	return nil
}

// Save creates or updates a subnet
func (r *subnetRepositoryImpl) Save(ctx context.Context, subnet domain.Subnet) (domain.Subnet, error) {
	if subnet.LeaseTime == 0 {
		subnet.LeaseTime = time.Hour
	}
	if err := validateSubnet(subnet); err != nil {
		return domain.Subnet{}, err
	}
	if subnet.DNSServers == nil {
		subnet.DNSServers = []string{}
	}
	dnsJSON, err := json.Marshal(subnet.DNSServers)
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("encode dns_servers: %w", err)
	}
	var prefix6 sql.NullInt64
	if subnet.HasIPv6() {
		prefix6 = sql.NullInt64{Int64: int64(subnet.PrefixLengthIPv6), Valid: true}
	}
	leaseSeconds := int64(subnet.LeaseTime / time.Second)

	if subnet.ID == 0 {
		subnet.CreatedAt = stamp(subnet.CreatedAt)
		result, err := r.db.ExecContext(ctx, `
			INSERT INTO subnets (name, network_ipv4, network_ipv6, subnet_mask_ipv4, prefix_length_ipv6,
				gateway_ipv4, gateway_ipv6, dns_servers, lease_time, rack_identifier, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			subnet.Name, nullString(subnet.NetworkIPv4), nullString(subnet.NetworkIPv6),
			nullString(subnet.SubnetMaskIPv4), prefix6, nullString(subnet.GatewayIPv4),
			nullString(subnet.GatewayIPv6), string(dnsJSON), leaseSeconds, subnet.RackIdentifier,
			formatTime(subnet.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return domain.Subnet{}, fmt.Errorf("subnet with name %s: %w", subnet.Name, ErrDuplicate)
			}
			return domain.Subnet{}, fmt.Errorf("failed to create subnet: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return domain.Subnet{}, fmt.Errorf("failed to get subnet ID: %w", err)
		}
		subnet.ID = id
		return subnet, nil
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE subnets
		SET name = ?, network_ipv4 = ?, network_ipv6 = ?, subnet_mask_ipv4 = ?, prefix_length_ipv6 = ?,
			gateway_ipv4 = ?, gateway_ipv6 = ?, dns_servers = ?, lease_time = ?, rack_identifier = ?
		WHERE id = ?`,
		subnet.Name, nullString(subnet.NetworkIPv4), nullString(subnet.NetworkIPv6),
		nullString(subnet.SubnetMaskIPv4), prefix6, nullString(subnet.GatewayIPv4),
		nullString(subnet.GatewayIPv6), string(dnsJSON), leaseSeconds, subnet.RackIdentifier, subnet.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Subnet{}, fmt.Errorf("subnet with name %s: %w", subnet.Name, ErrDuplicate)
		}
		return domain.Subnet{}, fmt.Errorf("failed to update subnet: %w", err)
	}
	if err := requireRow(result, "subnet", subnet.ID); err != nil {
		return domain.Subnet{}, err
	}
	return subnet, nil
}

func (r *subnetRepositoryImpl) findOne(ctx context.Context, what string, query string, args ...any) (domain.Subnet, error) {
	s, err := scanSubnet(r.db.QueryRowContext(ctx, "SELECT "+subnetColumns+" FROM subnets "+query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subnet{}, fmt.Errorf("subnet with %s: %w", what, ErrNotFound)
		}
		return domain.Subnet{}, fmt.Errorf("failed to find subnet: %w", err)
	}
	return s, nil
}

// FindByID retrieves a subnet by its ID
func (r *subnetRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Subnet, error) {
	return r.findOne(ctx, fmt.Sprintf("ID %d", id), "WHERE id = ?", id)
}

// FindByName retrieves a subnet by its name
func (r *subnetRepositoryImpl) FindByName(ctx context.Context, name string) (domain.Subnet, error) {
	return r.findOne(ctx, "name "+name, "WHERE name = ?", name)
}

// FindByRack retrieves the subnet serving a rack
func (r *subnetRepositoryImpl) FindByRack(ctx context.Context, rack string) (domain.Subnet, error) {
	if rack == "" {
		return domain.Subnet{}, fmt.Errorf("subnet with empty rack: %w", ErrNotFound)
	}
	return r.findOne(ctx, "rack "+rack, "WHERE rack_identifier = ? ORDER BY id LIMIT 1", rack)
}

// FindContaining retrieves the subnet whose network contains addr
func (r *subnetRepositoryImpl) FindContaining(ctx context.Context, addr string) (domain.Subnet, error) {
	subnets, err := r.FindAll(ctx)
	if err != nil {
		return domain.Subnet{}, err
	}
	for _, s := range subnets {
		if s.Contains(addr) {
			return s, nil
		}
	}
	return domain.Subnet{}, fmt.Errorf("subnet containing %s: %w", addr, ErrNotFound)
}

// FindAll retrieves all subnets
func (r *subnetRepositoryImpl) FindAll(ctx context.Context) ([]domain.Subnet, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+subnetColumns+" FROM subnets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list subnets: %w", err)
	}
	defer rows.Close()

	var subnets []domain.Subnet
	for rows.Next() {
		s, err := scanSubnet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subnet: %w", err)
		}
		subnets = append(subnets, s)
	}
	return subnets, rows.Err()
}

// DeleteByID removes a subnet and its leases
func (r *subnetRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM subnets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete subnet: %w", err)
	}
	return requireRow(result, "subnet", id)
}

// ExistsByID checks if a subnet exists by its ID
func (r *subnetRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subnets WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check subnet existence: %w", err)
	}
	return count > 0, nil
}
