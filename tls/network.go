package tls

import "net"

// LANIPs returns the machine's non-loopback IPv4 addresses.
func LANIPs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// CertificateHosts returns every name the server certificate should
// cover: localhost, the loopback address and all LAN IPs.
func CertificateHosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	lan, err := LANIPs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lan...), nil
}
