// Package inet holds the value types and error kinds shared by every layer
// of the stack.
package inet

import (
	"net/netip"
	"strconv"

	"github.com/pkg/errors"
)

// Addr is an IPv4 address and a port. The zero value means "no address".
type Addr struct {
	IP   netip.Addr
	Port uint16
}

func AddrFrom(ip netip.Addr, port uint16) Addr {
	return Addr{IP: ip, Port: port}
}

// ParseAddr accepts "a.b.c.d" or "a.b.c.d:port".
func ParseAddr(s string) (Addr, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		if !ap.Addr().Is4() {
			return Addr{}, errors.Wrapf(ErrInvalidArgument, "not an IPv4 address: %q", s)
		}
		return Addr{IP: ap.Addr(), Port: ap.Port()}, nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return Addr{}, errors.Wrapf(ErrInvalidArgument, "bad address %q", s)
	}
	return Addr{IP: ip}, nil
}

// IsValid reports whether a carries an IPv4 address.
func (a Addr) IsValid() bool {
	return a.IP.Is4()
}

func (a Addr) IsZero() bool {
	return a == Addr{}
}

func (a Addr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

func (a Addr) String() string {
	if !a.IP.IsValid() {
		return "<none>"
	}
	return a.IP.String() + ":" + strconv.Itoa(int(a.Port))
}
