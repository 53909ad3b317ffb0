package allocator

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/director/internal/domain"
)

// maxIPv6Scan bounds the search for a free address in an IPv6 pool.
const maxIPv6Scan = 1 << 16

// lowestFree returns the lowest host address of the subnet that is neither
// bound by an active lease nor a gateway. IPv4 pools exclude the network
// and broadcast addresses.
func lowestFree(subnet domain.Subnet, active []string) (netip.Addr, error) {
	used := make(map[netip.Addr]struct{}, len(active)+2)
	for _, s := range active {
		if a, err := netip.ParseAddr(s); err == nil {
			used[a] = struct{}{}
		}
	}
	for _, gw := range []string{subnet.GatewayIPv4, subnet.GatewayIPv6} {
		if a, err := netip.ParseAddr(gw); err == nil {
			used[a] = struct{}{}
		}
	}

	if subnet.HasIPv4() {
		prefix, err := subnet.PrefixIPv4()
		if err != nil {
			return netip.Addr{}, err
		}
		first, last := hostRange4(prefix)
		for n := first; n != 0 && n <= last; n++ {
			addr := intToAddr(n)
			if _, taken := used[addr]; !taken {
				return addr, nil
			}
		}
		return netip.Addr{}, ErrAddressExhausted
	}

	prefix, err := subnet.PrefixIPv6()
	if err != nil {
		return netip.Addr{}, err
	}
	addr := prefix.Addr().Next()
	for i := 0; i < maxIPv6Scan && addr.IsValid() && prefix.Contains(addr); i++ {
		if _, taken := used[addr]; !taken {
			return addr, nil
		}
		addr = addr.Next()
	}
	return netip.Addr{}, ErrAddressExhausted
}

// hostRange4 returns the first and last usable host of an IPv4 prefix.
// The range is empty (first > last) for /31 and /32.
func hostRange4(prefix netip.Prefix) (first, last uint32) {
	network := addrToInt(prefix.Masked().Addr())
	size := uint32(1) << (32 - prefix.Bits())
	broadcast := network + size - 1
	return network + 1, broadcast - 1
}

// CheckAddress returns ErrAddressOutOfRange unless addr is a leasable
// host of the subnet.
func CheckAddress(subnet domain.Subnet, addr string) error {
	a, err := netip.ParseAddr(addr)
	if err != nil || !subnet.Contains(addr) {
		return fmt.Errorf("%s in %s: %w", addr, subnet.Name, ErrAddressOutOfRange)
	}
	if a.Is4() {
		prefix, err := subnet.PrefixIPv4()
		if err != nil {
			return err
		}
		first, last := hostRange4(prefix)
		if n := addrToInt(a); n < first || n > last {
			return fmt.Errorf("%s in %s: %w", addr, subnet.Name, ErrAddressOutOfRange)
		}
	}
	return nil
}

func addrToInt(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func intToAddr(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
