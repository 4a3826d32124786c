package transport

import (
	"context"
	"net"
)

// udpLink is a datagram link. Each Write sends one datagram and each Read
// returns one datagram. It shares the connection handling of tcpLink.
type udpLink struct {
	tcpLink
}

func newUDPLink(opts *Options) *udpLink {
	return &udpLink{tcpLink: tcpLink{opts: opts}}
}

func (l *udpLink) Dial(ctx context.Context, addr Address) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr.String())
	if err != nil {
		return err
	}
	return l.attach(conn)
}

func (l *udpLink) Kind() LinkKind { return KindDatagram }
