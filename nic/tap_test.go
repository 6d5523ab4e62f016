//go:build linux

package nic

import (
	"os"
	"testing"
)

// TestNewTapPortRequiresPrivilege documents that TAP creation needs
// CAP_NET_ADMIN; it is skipped outside a privileged CI runner rather than
// faked, since faking /dev/net/tun would not exercise the real ioctl path.
func TestNewTapPortRequiresPrivilege(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("needs CAP_NET_ADMIN to open /dev/net/tun")
	}
	p, err := NewTapPort(Config{Name: "natiftest0"})
	if err != nil {
		t.Fatalf("NewTapPort: %v", err)
	}
	defer p.Close()
	if p.name != "natiftest0" {
		t.Errorf("name = %q", p.name)
	}
}
