// Package memtransport is an in-memory datagram network for tests.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sambigeara/lonip/pkg/transport"
	"github.com/sambigeara/lonip/pkg/types"
)

const defaultQueueSize = 256

var (
	ErrUnknownDestination = errors.New("destination not bound")
	ErrQueueFull          = errors.New("receive queue full")
)

// Filter decides whether a datagram is delivered. Returning false drops it.
type Filter func(src, dst types.Endpoint, b []byte) bool

type Network struct {
	filter    Filter
	endpoints map[types.Endpoint]*endpoint
	mu        sync.RWMutex
}

type datagram struct {
	payload []byte
	src     types.Endpoint
}

type endpoint struct {
	recvCh    chan datagram
	done      chan struct{}
	addr      types.Endpoint
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[types.Endpoint]*endpoint)}
}

// SetFilter installs f on every later send. A nil filter delivers all.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

func (n *Network) bindEndpoint(addr types.Endpoint) (*endpoint, error) {
	if addr.IsZero() {
		return nil, errors.New("address required")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[addr]; ok && !ep.closed.Load() {
		return nil, fmt.Errorf("address already bound: %s", addr)
	}

	ep := &endpoint{
		addr:   addr,
		recvCh: make(chan datagram, defaultQueueSize),
		done:   make(chan struct{}),
	}
	n.endpoints[addr] = ep

	return ep, nil
}

func (n *Network) lookup(addr types.Endpoint) (*endpoint, Filter, bool) {
	n.mu.RLock()
	ep, ok := n.endpoints[addr]
	f := n.filter
	n.mu.RUnlock()
	if !ok || ep.closed.Load() {
		return nil, f, false
	}
	return ep, f, true
}

func (n *Network) unbind(ep *endpoint) {
	n.mu.Lock()
	if curr, ok := n.endpoints[ep.addr]; ok && curr == ep {
		delete(n.endpoints, ep.addr)
	}
	n.mu.Unlock()
}

// Inject delivers b to dst as if it came from src, bypassing the filter.
func (n *Network) Inject(src, dst types.Endpoint, b []byte) error {
	return n.send(src, dst, b, false)
}

func (n *Network) send(src, dst types.Endpoint, b []byte, filtered bool) error {
	dest, filter, ok := n.lookup(dst)
	if filtered && filter != nil && !filter(src, dst, b) {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dst)
	}

	dest.mu.RLock()
	defer dest.mu.RUnlock()
	if dest.closed.Load() {
		return transport.ErrClosed
	}

	select {
	case dest.recvCh <- datagram{src: src, payload: append([]byte(nil), b...)}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *endpoint) close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed.Store(true)
		close(e.done)
		e.mu.Unlock()
	})
}

type memTransport struct {
	net *Network
	ep  *endpoint
}

var _ transport.Transport = (*memTransport)(nil)

func (n *Network) Bind(addr types.Endpoint) (transport.Transport, error) {
	ep, err := n.bindEndpoint(addr)
	if err != nil {
		return nil, err
	}
	return &memTransport{net: n, ep: ep}, nil
}

func (t *memTransport) Recv(ctx context.Context) (types.Endpoint, []byte, error) {
	select {
	case d := <-t.ep.recvCh:
		return d.src, d.payload, nil
	case <-t.ep.done:
		return types.Endpoint{}, nil, transport.ErrClosed
	case <-ctx.Done():
		return types.Endpoint{}, nil, transport.ErrClosed
	}
}

func (t *memTransport) Send(dst types.Endpoint, b []byte) error {
	if t.ep.closed.Load() {
		return transport.ErrClosed
	}
	return t.net.send(t.ep.addr, dst, b, true)
}

func (t *memTransport) LocalAddr() types.Endpoint {
	return t.ep.addr
}

func (t *memTransport) Close() error {
	if t.ep.closed.Load() {
		return nil
	}
	t.ep.close()
	t.net.unbind(t.ep)
	return nil
}
