package domain

import (
	"fmt"
	"net/netip"
	"time"
)

// LifecycleState is the provisioning stage a device currently occupies.
type LifecycleState string

const (
	StateDiscovered            LifecycleState = "discovered"
	StateManagementConfiguring LifecycleState = "management-configuring"
	StateManagementConfigured  LifecycleState = "management-configured"
	StateNetbootReady          LifecycleState = "netboot-ready"
	StateInstalling            LifecycleState = "installing"
	StateCommissioned          LifecycleState = "commissioned"
	StateFaulted               LifecycleState = "faulted"
)

// AllStates lists every lifecycle state in flow order.
var AllStates = []LifecycleState{
	StateDiscovered,
	StateManagementConfiguring,
	StateManagementConfigured,
	StateNetbootReady,
	StateInstalling,
	StateCommissioned,
	StateFaulted,
}

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transitions leave s.
func (s LifecycleState) Terminal() bool {
	return s == StateCommissioned
}

// Device represents a physical machine tracked by a stable UUID
type Device struct {
	ID              int64          // Unique identifier
	UUID            string         // Canonical lower-case UUID, immutable once assigned
	State           LifecycleState // Current lifecycle state
	FaultReason     string         // Set while State is StateFaulted
	LastAction      string         // Last management action attempted
	BootInterfaceID *int64         // Interface that most recently made a boot contact
	CreatedAt       time.Time
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	UpdatedAt       time.Time
}

// Interface represents a network port belonging to exactly one device
type Interface struct {
	ID             int64  // Unique identifier
	DeviceID       int64  // Foreign key to Device
	MAC            string // Lower-case colon separated MAC, globally unique
	IPv4           string // Currently leased IPv4 address (optional)
	IPv6           string // Currently leased IPv6 address (optional)
	IsBMC          bool   // Out-of-band management interface
	RackIdentifier string // Physical topology hint from the relay agent (optional)
	RackPort       string // Switch port hint from the relay agent (optional)
	SubnetID       *int64 // Subnet the interface was last leased from (optional)
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastSeenAt     time.Time
}

// Subnet represents an address pool definition
type Subnet struct {
	ID               int64         // Unique identifier
	Name             string        // Unique subnet name
	NetworkIPv4      string        // IPv4 network address (e.g., "10.0.0.0")
	SubnetMaskIPv4   string        // Dotted IPv4 mask (e.g., "255.255.255.0")
	NetworkIPv6      string        // IPv6 network address (optional)
	PrefixLengthIPv6 int           // IPv6 prefix length (optional)
	GatewayIPv4      string        // IPv4 gateway, excluded from allocation
	GatewayIPv6      string        // IPv6 gateway, excluded from allocation
	DNSServers       []string      // Ordered DNS servers
	LeaseTime        time.Duration // Lease duration
	RackIdentifier   string        // Rack this subnet serves (optional)
	CreatedAt        time.Time
}

// Lease represents a time-bounded binding of an interface to an address
type Lease struct {
	ID          int64  // Unique identifier
	InterfaceID int64  // Foreign key to Interface
	SubnetID    int64  // Foreign key to Subnet
	IPAddress   string // Leased address
	LeaseStart  time.Time
	LeaseEnd    time.Time
	Active      bool
}

// Expired reports whether the lease end has passed at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.LeaseEnd)
}

// ParseNetworks fills the subnet's networks from CIDR notation. Either
// may be empty.
func (s *Subnet) ParseNetworks(cidr4, cidr6 string) error {
	if cidr4 != "" {
		p, err := netip.ParsePrefix(cidr4)
		if err != nil || !p.Addr().Is4() {
			return fmt.Errorf("invalid IPv4 network %q", cidr4)
		}
		p = p.Masked()
		s.NetworkIPv4 = p.Addr().String()
		s.SubnetMaskIPv4 = MaskFromBits(p.Bits())
	}
	if cidr6 != "" {
		p, err := netip.ParsePrefix(cidr6)
		if err != nil || !p.Addr().Is6() {
			return fmt.Errorf("invalid IPv6 network %q", cidr6)
		}
		p = p.Masked()
		s.NetworkIPv6 = p.Addr().String()
		s.PrefixLengthIPv6 = p.Bits()
	}
	return nil
}

// PrefixIPv4 returns the subnet's IPv4 network as a prefix.
func (s Subnet) PrefixIPv4() (netip.Prefix, error) {
	network, err := netip.ParseAddr(s.NetworkIPv4)
	if err != nil || !network.Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid IPv4 network %q", s.NetworkIPv4)
	}
	mask, err := netip.ParseAddr(s.SubnetMaskIPv4)
	if err != nil || !mask.Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid IPv4 subnet mask %q", s.SubnetMaskIPv4)
	}
	bits, err := maskBits(mask.As4())
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(network, bits).Masked(), nil
}

// PrefixIPv6 returns the subnet's IPv6 network as a prefix.
func (s Subnet) PrefixIPv6() (netip.Prefix, error) {
	network, err := netip.ParseAddr(s.NetworkIPv6)
	if err != nil || !network.Is6() {
		return netip.Prefix{}, fmt.Errorf("invalid IPv6 network %q", s.NetworkIPv6)
	}
	if s.PrefixLengthIPv6 <= 0 || s.PrefixLengthIPv6 > 128 {
		return netip.Prefix{}, fmt.Errorf("invalid IPv6 prefix length %d", s.PrefixLengthIPv6)
	}
	return netip.PrefixFrom(network, s.PrefixLengthIPv6).Masked(), nil
}

// HasIPv4 reports whether the subnet defines an IPv4 pool.
func (s Subnet) HasIPv4() bool { return s.NetworkIPv4 != "" }

// HasIPv6 reports whether the subnet defines an IPv6 pool.
func (s Subnet) HasIPv6() bool { return s.NetworkIPv6 != "" }

// Contains reports whether addr falls inside one of the subnet's networks.
func (s Subnet) Contains(addr string) bool {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	if a.Is4() && s.HasIPv4() {
		if p, err := s.PrefixIPv4(); err == nil {
			return p.Contains(a)
		}
	}
	if a.Is6() && s.HasIPv6() {
		if p, err := s.PrefixIPv6(); err == nil {
			return p.Contains(a)
		}
	}
	return false
}

// Overlaps reports whether s and o share any address.
func (s Subnet) Overlaps(o Subnet) bool {
	if s.HasIPv4() && o.HasIPv4() {
		a, errA := s.PrefixIPv4()
		b, errB := o.PrefixIPv4()
		if errA == nil && errB == nil && a.Overlaps(b) {
			return true
		}
	}
	if s.HasIPv6() && o.HasIPv6() {
		a, errA := s.PrefixIPv6()
		b, errB := o.PrefixIPv6()
		if errA == nil && errB == nil && a.Overlaps(b) {
			return true
		}
	}
	return false
}

// MaskFromBits renders an IPv4 prefix length as a dotted mask.
func MaskFromBits(bits int) string {
	var m [4]byte
	for i := 0; i < bits && i < 32; i++ {
		m[i/8] |= 0x80 >> (i % 8)
	}
	return netip.AddrFrom4(m).String()
}

func maskBits(m [4]byte) (int, error) {
	v := uint32(m[0])<<24 | uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
	bits := 0
	for v&0x80000000 != 0 {
		bits++
		v <<= 1
	}
	if v != 0 {
		return 0, fmt.Errorf("non-contiguous subnet mask %v", netip.AddrFrom4(m))
	}
	return bits, nil
}
