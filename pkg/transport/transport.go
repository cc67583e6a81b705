// Package transport carries channel datagrams over UDP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/sambigeara/lonip/pkg/types"
)

const recvBufSize = 2048

var ErrClosed = errors.New("transport closed")

var _ Transport = (*UDP)(nil)

type Transport interface {
	Recv(ctx context.Context) (src types.Endpoint, b []byte, err error)
	Send(dst types.Endpoint, b []byte) error
	LocalAddr() types.Endpoint
	Close() error
}

// UDP is a Transport over an IPv4 UDP socket.
type UDP struct {
	conn  *net.UDPConn
	pconn *ipv4.Conn
	log   *zap.SugaredLogger
	local types.Endpoint
}

// Listen binds local. A zero address binds every interface.
func Listen(local types.Endpoint) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(local.AddrPort()))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	bound := types.EndpointFrom(conn.LocalAddr().(*net.UDPAddr).AddrPort()) //nolint:forcetypeassert
	return &UDP{
		conn:  conn,
		pconn: ipv4.NewConn(conn),
		log:   zap.S().Named("transport"),
		local: bound,
	}, nil
}

// SetTOS sets the type-of-service bits on outgoing datagrams.
func (u *UDP) SetTOS(tos uint8) error {
	if err := u.pconn.SetTOS(int(tos)); err != nil {
		return fmt.Errorf("set tos %#x: %w", tos, err)
	}
	return nil
}

func (u *UDP) Recv(ctx context.Context) (types.Endpoint, []byte, error) {
	buf := make([]byte, recvBufSize)
	for {
		n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return types.Endpoint{}, nil, ErrClosed
			}
			return types.Endpoint{}, nil, err
		}
		src := types.EndpointFrom(addr)
		if src.IsZero() {
			u.log.Debugw("dropping non-IPv4 datagram", "src", addr)
			continue
		}
		return src, buf[:n], nil
	}
}

func (u *UDP) Send(dst types.Endpoint, b []byte) error {
	if _, err := u.conn.WriteToUDPAddrPort(b, dst.AddrPort()); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (u *UDP) LocalAddr() types.Endpoint {
	return u.local
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
