package localhttp

import (
	"net"

	"github.com/pkg/errors"
)

// LocalIP returns the address of the interface that routes to the internet.
// Dialing udp sends no packets; it only makes the kernel pick a route.
func LocalIP() (string, error) {
	conn, err := net.Dial("udp4", "1.1.1.1:1")
	if err != nil {
		return "", errors.Wrap(err, "finding local ip")
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "", ErrNoLocalIP
	}
	return addr.IP.String(), nil
}

// StaticIP returns a LocalIP function that always answers ip, for a
// configured override.
func StaticIP(ip string) func() (string, error) {
	return func() (string, error) {
		return ip, nil
	}
}
