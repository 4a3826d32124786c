package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Address is one server endpoint a transport may connect to.
type Address struct {
	Host string
	Port uint16
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress parses a host:port string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("parse address %q: empty host", s)
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

// WithPort returns a copy of addrs with every port replaced by port.
func WithPort(addrs []Address, port uint16) []Address {
	out := make([]Address, len(addrs))
	for i, a := range addrs {
		out[i] = Address{Host: a.Host, Port: port}
	}
	return out
}
