package network

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
)

// InterfaceProvider enumerates local network interfaces.
type InterfaceProvider interface {
	Interfaces() ([]net.Interface, error)
	Addrs(ifi net.Interface) ([]net.Addr, error)
}

// SystemInterfaces queries the operating system.
type SystemInterfaces struct{}

// Interfaces returns the system's network interfaces.
func (SystemInterfaces) Interfaces() ([]net.Interface, error) {
	return net.Interfaces()
}

// Addrs returns the unicast addresses of ifi.
func (SystemInterfaces) Addrs(ifi net.Interface) ([]net.Addr, error) {
	return ifi.Addrs()
}

// InterfaceInfo summarises one interface for listing.
type InterfaceInfo struct {
	Name      string
	Index     int
	IPv4      []netip.Addr
	Up        bool
	Loopback  bool
	Multicast bool
}

// ListInterfaces returns every interface with its IPv4 addresses, sorted by
// index.
func ListInterfaces(p InterfaceProvider) ([]InterfaceInfo, error) {
	ifaces, err := p.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, ifi := range ifaces {
		info := InterfaceInfo{
			Name:      ifi.Name,
			Index:     ifi.Index,
			Up:        ifi.Flags&net.FlagUp != 0,
			Loopback:  ifi.Flags&net.FlagLoopback != 0,
			Multicast: ifi.Flags&net.FlagMulticast != 0,
		}
		addrs, err := p.Addrs(ifi)
		if err != nil {
			return nil, fmt.Errorf("addresses of %s: %w", ifi.Name, err)
		}
		info.IPv4 = ipv4Addrs(addrs)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// MulticastInterfaces returns the interfaces that are up, multicast-capable,
// not loopback and carry at least one IPv4 address.
func MulticastInterfaces(p InterfaceProvider) ([]net.Interface, error) {
	ifaces, err := p.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := p.Addrs(ifi)
		if err != nil || len(ipv4Addrs(addrs)) == 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out, nil
}

// InterfaceForAddr finds the interface that owns addr.
func InterfaceForAddr(p InterfaceProvider, addr netip.Addr) (*net.Interface, error) {
	ifaces, err := p.Interfaces()
	if err != nil {
		return nil, err
	}
	addr = addr.Unmap()
	for i := range ifaces {
		addrs, err := p.Addrs(ifaces[i])
		if err != nil {
			continue
		}
		for _, a := range ipv4Addrs(addrs) {
			if a == addr {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", addr)
}

func ipv4Addrs(addrs []net.Addr) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			out = append(out, netip.AddrFrom4([4]byte(ip4)))
		}
	}
	return out
}
