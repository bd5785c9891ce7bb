package provisioning

import (
	"net"
)

// interfaceAddrs returns the addresses of every up, non-loopback interface, plus the interface names in system order.
func interfaceAddrs() (map[string][]net.Addr, []string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}
	addrs := make(map[string][]net.Addr, len(ifaces))
	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs[iface.Name] = ifAddrs
		names = append(names, iface.Name)
	}
	return addrs, names, nil
}

// firstGlobalIPv4 returns the first global unicast IPv4 address, checking preferIface first.
// Returns "" if there is none.
func firstGlobalIPv4(preferIface string) string {
	addrs, names, err := interfaceAddrs()
	if err != nil {
		return ""
	}
	if preferIface != "" {
		if ip := globalIPv4(addrs[preferIface]); ip != "" {
			return ip
		}
	}
	for _, name := range names {
		if ip := globalIPv4(addrs[name]); ip != "" {
			return ip
		}
	}
	return ""
}

func globalIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip4 := ip.To4(); ip4 != nil && ip4.IsGlobalUnicast() {
			return ip4.String()
		}
	}
	return ""
}
