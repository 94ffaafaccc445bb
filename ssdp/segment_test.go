package ssdp

import (
	"net"
	"testing"
)

// TestInSegmentBoundary exercises the exact boundary behaviours listed in
// spec.md §8: a /24 interface accepts a same-subnet source and rejects a
// different one; widening to /23 brings the previously-rejected address
// back into the segment.
func TestInSegmentBoundary(t *testing.T) {
	cases := []struct {
		name  string
		cidr  string
		addr  string
		valid bool
	}{
		{"same /24 subnet", "192.168.0.1/24", "192.168.0.255", true},
		{"different /24 subnet", "192.168.0.1/24", "192.168.1.255", false},
		{"wider /23 subnet", "192.168.0.1/23", "192.168.1.255", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ip, ipnet, err := net.ParseCIDR(c.cidr)
			if err != nil {
				t.Fatalf("ParseCIDR(%s): %v", c.cidr, err)
			}
			ipnet.IP = ip.To4()

			got := InSegment(ipnet, net.ParseIP(c.addr))
			if got != c.valid {
				t.Errorf("InSegment(%s, %s) = %v, want %v", c.cidr, c.addr, got, c.valid)
			}
		})
	}
}

func TestInSegmentRejectsNonIPv4(t *testing.T) {
	_, ipnet, _ := net.ParseCIDR("192.168.0.0/24")
	v6 := net.ParseIP("fe80::1")
	if InSegment(ipnet, v6) {
		t.Error("expected InSegment to reject an IPv6 address against an IPv4 interface")
	}
}
