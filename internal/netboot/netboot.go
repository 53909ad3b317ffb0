// Package netboot decides which boot artifact a device receives.
package netboot

import (
	"github.com/jbweber/homelab/director/internal/domain"
)

// Kind names the boot path handed to a device.
type Kind string

const (
	KindDiscovery Kind = "discovery"
	KindInstall   Kind = "install"
	KindNone      Kind = "none" // chain-load the local disk
)

// Image is a bootable kernel and initrd, referenced by blob key.
type Image struct {
	Kernel  string `yaml:"kernel" json:"kernel"`
	Initrd  string `yaml:"initrd" json:"initrd"`
	Cmdline string `yaml:"cmdline" json:"cmdline,omitempty"`
}

// ArtifactRef is the answer handed to the delivery layer.
type ArtifactRef struct {
	Kind  Kind  `json:"kind"`
	Image Image `json:"image,omitempty"`
}

// Boots reports whether the reference carries a network boot.
func (r ArtifactRef) Boots() bool { return r.Kind != KindNone }

// Selector maps lifecycle states to catalog images.
type Selector struct {
	catalog Catalog
}

// NewSelector creates a selector over catalog.
func NewSelector(catalog Catalog) *Selector {
	return &Selector{catalog: catalog}
}

// Select returns the artifact for the device's current state. It never
// mutates the device.
func (s *Selector) Select(device domain.Device) ArtifactRef {
	return Select(device.State, s.catalog)
}

// Select is the pure state-to-artifact mapping.
func Select(state domain.LifecycleState, catalog Catalog) ArtifactRef {
	switch state {
	case domain.StateDiscovered, domain.StateManagementConfiguring:
		return ArtifactRef{Kind: KindDiscovery, Image: catalog.Discovery}
	case domain.StateNetbootReady:
		return ArtifactRef{Kind: KindInstall, Image: catalog.Install}
	default:
		return ArtifactRef{Kind: KindNone}
	}
}

// Catalog returns the images the selector serves.
func (s *Selector) Catalog() Catalog { return s.catalog }
