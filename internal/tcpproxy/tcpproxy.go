// Package tcpproxy binds a TCP acceptor and accepts connections, but never
// reads, writes, or forwards anything on them — there is no production
// path for this type, its accept handler re-arms the acceptor and returns,
// full stop. Nothing in cmd/natnegproxy wires this in.
package tcpproxy

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/langyo/CNCOnlineForwarder/internal/corelog"
)

const component = "TCPProxy"

// TCPProxy accepts and immediately discards TCP connections on a local
// port. It has no forwarding path.
type TCPProxy struct {
	log      *corelog.Logger
	port     uint16
	listener net.Listener

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a TCPProxy bound to localPort. serverHostName and serverPort
// are accepted for parity with a forwarding constructor but are never
// used — there is no forwarding destination.
func New(log *corelog.Logger, localPort uint16, serverHostName string, serverPort uint16) *TCPProxy {
	_ = serverHostName
	_ = serverPort
	return &TCPProxy{log: log, port: localPort}
}

// Start binds the acceptor and begins accepting (and discarding)
// connections.
func (p *TCPProxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp4", net.JoinHostPort("", strconv.Itoa(int(p.port))))
	if err != nil {
		return err
	}
	p.listener = ln
	p.log.Infof(component, "TCPProxy created")

	p.wg.Add(1)
	go p.acceptLoop(ctx)
	return nil
}

// Stop closes the acceptor and waits for the accept loop to exit.
func (p *TCPProxy) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	p.wg.Wait()
}

func (p *TCPProxy) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.Errorf(component, "accept failed: %v", err)
				continue
			}
		}
		// Nothing else is ever done with the accepted socket.
		conn.Close()
	}
}
