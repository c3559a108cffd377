// Package session implements the NatNeg relay's per-session state machine:
// the dispatcher that demultiplexes incoming datagrams to sessions keyed by
// SessionKey, the InitialPhase that negotiates with the upstream server on
// the hidden client's behalf, and the GameConnection that relays the
// resulting peer-to-peer traffic. Sessions live in a dispatcher-owned
// arena: the dispatcher holds sessions by strong reference in a plain map
// and a session removes its own entry when it closes, rather than every
// caller chasing a weak reference and checking for expiry.
package session

import (
	"context"
	"net"
	"time"

	"github.com/langyo/CNCOnlineForwarder/internal/corelog"
	"github.com/langyo/CNCOnlineForwarder/internal/ioruntime"
	"github.com/langyo/CNCOnlineForwarder/internal/natneg"
	"github.com/langyo/CNCOnlineForwarder/internal/publicip"
)

const dispatcherComponent = "NatNegProxy"

// dispatcherRecvBufSize is the receive buffer on the NatNeg plane.
const dispatcherRecvBufSize = 1024

// Dispatcher owns the server-facing UDP socket and the table of live
// sessions. All mutation of that table, and every write on the
// server-facing socket, is serialized on the dispatcher's own strand.
type Dispatcher struct {
	rt  *ioruntime.Runtime
	log *corelog.Logger

	strand *ioruntime.Strand
	socket *ioruntime.UDPSocket

	upstreamHost string
	upstreamPort uint16
	idleTimeout  time.Duration
	publicAddr   *publicip.Provider

	sessions map[natneg.SessionKey]*InitialPhase
}

// NewDispatcher binds a UDP socket at listen (e.g. ":27901") and returns a
// Dispatcher ready to Run.
func NewDispatcher(
	rt *ioruntime.Runtime,
	log *corelog.Logger,
	listen string,
	upstreamHost string,
	upstreamPort uint16,
	idleTimeout time.Duration,
	publicAddr *publicip.Provider,
) (*Dispatcher, error) {
	socket, err := ioruntime.ListenUDP(listen)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		rt:           rt,
		log:          log,
		strand:       ioruntime.NewStrand(rt),
		socket:       socket,
		upstreamHost: upstreamHost,
		upstreamPort: upstreamPort,
		idleTimeout:  idleTimeout,
		publicAddr:   publicAddr,
		sessions:     make(map[natneg.SessionKey]*InitialPhase),
	}, nil
}

// Run starts the dispatcher's always-one-outstanding-receive loop; the
// loop runs until ctx is cancelled or the socket is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Infof(dispatcherComponent, "listening on %s", d.socket.Conn.LocalAddr())
	d.socket.ReceiveLoop(ctx, d.strand, dispatcherRecvBufSize, func(data []byte, from *net.UDPAddr) {
		d.handlePacketToServer(ctx, data, from)
	}, func(err error) {
		d.log.Errorf(dispatcherComponent, "async receive failed: %v", err)
	})
}

// Close releases the dispatcher's socket.
func (d *Dispatcher) Close() error {
	return d.socket.Close()
}

// handlePacketToServer runs on the dispatcher strand (posted there by
// ReceiveLoop).
func (d *Dispatcher) handlePacketToServer(ctx context.Context, data []byte, from *net.UDPAddr) {
	if !natneg.IsNatNeg(data) {
		d.log.Warnf(dispatcherComponent, "packet from %s is not NatNeg, discarded", from)
		return
	}

	step, err := natneg.GetStep(data)
	if err != nil {
		d.log.Warnf(dispatcherComponent, "failed to read step from %s: %v", from, err)
		return
	}

	key, ok, err := natneg.GetSessionKey(data, step)
	if err != nil {
		d.log.Warnf(dispatcherComponent, "failed to read session key from %s: %v", from, err)
		return
	}
	if !ok {
		d.log.Infof(dispatcherComponent, "packet of step %s has no session key, discarded", step)
		return
	}

	phase, exists := d.sessions[key]
	if !exists {
		d.log.Infof(dispatcherComponent, "new session key %s, creating InitialPhase", key)
		phase = newInitialPhase(d.rt, d.log, d, key, d.idleTimeout)
		d.sessions[key] = phase
		phase.start(ctx)
	}

	if step == natneg.StepInit && len(data) > natneg.InitSeqNumOffset &&
		data[natneg.InitSeqNumOffset] == natneg.InitSeqNumClientPublic {
		d.log.Infof(dispatcherComponent, "init packet seq 0 from %s, preparing GameConnection", from)
		phase.prepareGameConnection(ctx, from, d.publicAddr)
	}

	phase.handlePacketToServer(ctx, data, from)
}

// sendFromProxySocket writes to on the dispatcher's server-facing socket.
// Safe to call from any strand: the write itself is posted to the
// dispatcher strand so all sends on this socket are serialized.
func (d *Dispatcher) sendFromProxySocket(data []byte, to *net.UDPAddr) {
	cp := make([]byte, len(data))
	copy(cp, data)
	d.strand.Post(func() {
		d.log.Infof(dispatcherComponent, "sending data to %s", to)
		if _, err := d.socket.SendTo(cp, to); err != nil {
			d.log.Errorf(dispatcherComponent, "send to %s failed: %v", to, err)
		}
	})
}

// removeConnection erases key from the session table.
func (d *Dispatcher) removeConnection(key natneg.SessionKey) {
	d.strand.Post(func() {
		d.log.Infof(dispatcherComponent, "removing InitialPhase %s", key)
		delete(d.sessions, key)
	})
}
