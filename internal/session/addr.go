package session

import "net"

// addrEqual compares two UDP endpoints by address and port; used throughout
// the relay to detect NAT rebinding.
func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func ipv4Bytes(ip net.IP) [4]byte {
	var out [4]byte
	v4 := ip.To4()
	if v4 != nil {
		copy(out[:], v4)
	}
	return out
}

func udpAddrFromBytes(ip [4]byte, port uint16) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(ip[0], ip[1], ip[2], ip[3]), Port: int(port)}
}
