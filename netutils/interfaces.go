// Package netutils selects which local network interfaces and addresses a
// ControlPoint binds to, adapted from the original pmomusic interface
// helpers to the discovery/control domain: picking multicast-capable
// interfaces (spec.md §6 "interfaces" option default) and a local IP to
// advertise in GENA CALLBACK headers.
package netutils

import "net"

// MulticastInterfaces returns every up, non-loopback interface that
// supports multicast, the default interface set of spec.md §6 ("interfaces:
// default = all non-loopback up interfaces supporting multicast").
func MulticastInterfaces() ([]*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]*net.Interface, 0, len(ifaces))
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, &iface)
	}
	return out, nil
}

// IPv4Net returns the first IPv4 network (address + prefix) bound to iface,
// used for the notify_segment_check option (spec.md §4.1 step 2). The
// second return is false if iface carries no IPv4 address.
func IPv4Net(iface *net.Interface) (*net.IPNet, bool) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		return ipnet, true
	}
	return nil, false
}

// GuessLocalIP returns the outbound IPv4 address the OS routing table would
// use to reach the public internet, the fallback used to build a GENA
// CALLBACK URL when the caller configured no explicit callback host.
func GuessLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
