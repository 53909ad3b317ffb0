package lifecycle

import (
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/netboot"
	"github.com/jbweber/homelab/director/internal/registry"
)

// Event is one of Contact, NetbootRequest, InstallComplete or
// OperatorReset.
type Event interface {
	deviceUUID() string
}

// Contact reports that an interface of a device was seen on the wire.
// The interface's lease is refreshed, or allocated when it has none.
type Contact struct {
	Handle registry.Handle

	// Renewal marks a contact from a client that already holds its
	// address. It refreshes the lease and never drives a transition.
	Renewal bool

	// Static marks an interface whose address was reported rather than
	// leased, such as a BMC announced by the booted agent.
	Static bool
}

// NetbootRequest reports an iPXE callback from a device interface.
type NetbootRequest struct {
	Handle registry.Handle
}

// InstallComplete is the installer's completion callback.
type InstallComplete struct {
	UUID string
}

// OperatorReset returns a faulted device to Discovered.
type OperatorReset struct {
	UUID string
}

func (e Contact) deviceUUID() string         { return e.Handle.Device.UUID }
func (e NetbootRequest) deviceUUID() string  { return e.Handle.Device.UUID }
func (e InstallComplete) deviceUUID() string { return e.UUID }
func (e OperatorReset) deviceUUID() string   { return e.UUID }

// Result is the device as left by an event.
type Result struct {
	Device   domain.Device
	Lease    domain.Lease // zero when the event did not touch a lease
	Artifact netboot.ArtifactRef
}

// HasLease reports whether the result carries a lease.
func (r Result) HasLease() bool { return r.Lease.ID != 0 }
