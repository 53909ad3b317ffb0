package netboot

import (
	"fmt"
	"strings"
)

// ChainScript asks iPXE to call back with its SMBIOS UUID and boot MAC.
func ChainScript(baseURL string) string {
	return fmt.Sprintf(`#!ipxe
# Chain boot to send uuid
chain %s/boot/ipxe?uuid=${uuid}&mac=${net0/mac}
`, strings.TrimSuffix(baseURL, "/"))
}

// Script renders the iPXE script for ref. Artifacts are fetched from
// baseURL/boot/artifacts/<key>.
func Script(ref ArtifactRef, baseURL string) string {
	if !ref.Boots() {
		return `#!ipxe
# Boot to local disk
sanboot --no-describe --drive 0x80
`
	}
	root := strings.TrimSuffix(baseURL, "/") + "/boot/artifacts/"
	kernel := root + ref.Image.Kernel
	if ref.Image.Cmdline != "" {
		kernel += " " + ref.Image.Cmdline
	}
	return fmt.Sprintf(`#!ipxe
# Boot %s image
kernel %s
initrd %s
boot
`, ref.Kind, kernel, root+ref.Image.Initrd)
}
