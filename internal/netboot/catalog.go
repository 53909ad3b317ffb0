package netboot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog lists the images for each boot path.
type Catalog struct {
	Discovery Image `yaml:"discovery"`
	Install   Image `yaml:"install"`
}

// DefaultCatalog is used when no manifest is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Discovery: Image{
			Kernel:  "images/discovery/vmlinuz",
			Initrd:  "images/discovery/initramfs.img",
			Cmdline: "console=ttyS0,115200 console=tty0",
		},
		Install: Image{
			Kernel:  "images/install/vmlinuz",
			Initrd:  "images/install/initramfs.img",
			Cmdline: "console=ttyS0,115200 console=tty0",
		},
	}
}

// ParseCatalog decodes a YAML manifest. Unknown keys are rejected and
// missing images fall back to the defaults.
func ParseCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode netboot manifest: %w", err)
	}

	defaults := DefaultCatalog()
	if c.Discovery.Kernel == "" {
		c.Discovery = defaults.Discovery
	}
	if c.Install.Kernel == "" {
		c.Install = defaults.Install
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// LoadCatalog reads a manifest from path. An empty path yields the
// default catalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read netboot manifest: %w", err)
	}
	return ParseCatalog(bytes.NewReader(data))
}

// Validate checks every image has a kernel and initrd.
func (c Catalog) Validate() error {
	for name, img := range map[string]Image{"discovery": c.Discovery, "install": c.Install} {
		if img.Kernel == "" || img.Initrd == "" {
			return fmt.Errorf("netboot image %s needs kernel and initrd", name)
		}
	}
	return nil
}

// Keys lists the blob keys referenced by the catalog.
func (c Catalog) Keys() []string {
	return []string{c.Discovery.Kernel, c.Discovery.Initrd, c.Install.Kernel, c.Install.Initrd}
}

// Getter reads blobs by key.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// FetchCatalog reads the manifest stored under key.
func FetchCatalog(ctx context.Context, store Getter, key string) (Catalog, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return Catalog{}, fmt.Errorf("fetch netboot manifest %s: %w", key, err)
	}
	return ParseCatalog(bytes.NewReader(data))
}
