package dhcp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	dhcp4 "github.com/krolaw/dhcp4"
)

// Options not named by the dhcp4 package.
const (
	optionUserClass       dhcp4.OptionCode = 77
	optionRelayAgentInfo  dhcp4.OptionCode = 82
	optionClientArch      dhcp4.OptionCode = 93
	optionClientMachineID dhcp4.OptionCode = 97
)

// Relay agent sub-options.
const (
	relaySubCircuitID byte = 1
	relaySubRemoteID  byte = 2
)

// Client system architectures (RFC 4578).
const (
	archBIOS     uint16 = 0
	archEFIIA32  uint16 = 6
	archEFIBC    uint16 = 7
	archEFIX8664 uint16 = 9
	archEFIARM64 uint16 = 11
)

// Boot loaders served over TFTP.
const (
	LoaderBIOS  = "undionly.kpxe"
	LoaderEFI   = "ipxe.efi"
	LoaderARM64 = "ipxe-arm64.efi"
)

// machineUUID decodes the client machine identifier. The first three
// fields of the GUID are little-endian on the wire, as in SMBIOS.
func machineUUID(options dhcp4.Options) (string, error) {
	raw, ok := options[optionClientMachineID]
	if !ok {
		return "", nil
	}
	if len(raw) != 17 || raw[0] != 0 {
		return "", fmt.Errorf("malformed client machine identifier (%d bytes)", len(raw))
	}
	var b [16]byte
	copy(b[:], raw[1:])
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]

	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return "", err
	}
	if id == uuid.Nil {
		return "", nil
	}
	return id.String(), nil
}

// rackInfo extracts topology from the relay agent option. The circuit id
// is read as "rack:port"; a bare remote id names the rack.
func rackInfo(options dhcp4.Options) (rack, port string) {
	raw, ok := options[optionRelayAgentInfo]
	if !ok {
		return "", ""
	}
	var circuit, remote string
	for len(raw) >= 2 {
		code, n := raw[0], int(raw[1])
		if len(raw) < 2+n {
			break
		}
		switch code {
		case relaySubCircuitID:
			circuit = string(raw[2 : 2+n])
		case relaySubRemoteID:
			remote = string(raw[2 : 2+n])
		}
		raw = raw[2+n:]
	}
	if circuit != "" {
		if r, p, found := strings.Cut(circuit, ":"); found {
			return r, p
		}
		if remote != "" {
			return remote, circuit
		}
		return circuit, ""
	}
	return remote, ""
}

// isIPXE reports whether the request comes from iPXE rather than firmware.
func isIPXE(options dhcp4.Options) bool {
	return string(options[optionUserClass]) == "iPXE"
}

// loaderFor picks the iPXE build matching the client architecture.
func loaderFor(options dhcp4.Options) string {
	raw := options[optionClientArch]
	if len(raw) < 2 {
		return LoaderBIOS
	}
	switch binary.BigEndian.Uint16(raw[:2]) {
	case archBIOS:
		return LoaderBIOS
	case archEFIIA32, archEFIBC, archEFIX8664:
		return LoaderEFI
	case archEFIARM64:
		return LoaderARM64
	default:
		return LoaderEFI
	}
}

func msgName(mt dhcp4.MessageType) string {
	switch mt {
	case dhcp4.Discover:
		return "discover"
	case dhcp4.Request:
		return "request"
	case dhcp4.Release:
		return "release"
	case dhcp4.Decline:
		return "decline"
	case dhcp4.Inform:
		return "inform"
	default:
		return "other"
	}
}
