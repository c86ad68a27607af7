package testutil

import (
	"context"
	"net"
)

// InMemoryListener is a net.Listener backed by net.Pipe. Servers under test
// Accept one end; clients get the other from DialContext.
type InMemoryListener struct {
	conns  chan net.Conn
	closed chan struct{}
	addr   net.Addr
}

type memAddr string

func (m memAddr) Network() string { return "inmem" }
func (m memAddr) String() string  { return string(m) }

// NewInMemoryListener returns a listener reporting the address "inmemory".
func NewInMemoryListener() *InMemoryListener {
	return NewInMemoryListenerAddr("inmemory")
}

// NewInMemoryListenerAddr returns a listener reporting addr.
func NewInMemoryListenerAddr(addr string) *InMemoryListener {
	return &InMemoryListener{
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
		addr:   memAddr(addr),
	}
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *InMemoryListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
	}

	close(l.closed)

	// close queued conns nobody accepted
	for {
		select {
		case c := <-l.conns:
			if c != nil {
				_ = c.Close()
			}
		default:
			return nil
		}
	}
}

func (l *InMemoryListener) Addr() net.Addr { return l.addr }

// DialContext returns the client end of a pipe whose server end is handed
// to the next Accept. It matches http.Transport.DialContext; network and
// address are ignored.
func (l *InMemoryListener) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
	case <-ctx.Done():
		server.Close()
		client.Close()
		return nil, ctx.Err()
	}
	server.Close()
	client.Close()
	return nil, net.ErrClosed
}
