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

const initialPhaseComponent = "InitialPhase"

// initialPhaseRecvBufSize is the 1024-byte NatNeg-plane receive buffer for
// InitialPhase's communication socket.
const initialPhaseRecvBufSize = 1024

// InitialPhase is the per-SessionKey rendezvous state machine: it resolves
// the upstream NatNeg server on the hidden client's behalf, proxies the
// early (pre-GameConnection) NatNeg traffic over its own communication
// socket, and spawns a GameConnection the moment it learns the client's
// public (game-plane) endpoint.
type InitialPhase struct {
	rt         *ioruntime.Runtime
	log        *corelog.Logger
	dispatcher *Dispatcher
	key        natneg.SessionKey

	idleTimeout time.Duration

	strand     *ioruntime.Strand
	commSocket *ioruntime.UDPSocket
	idle       *ioruntime.IdleTimer

	server     ioruntime.Future[*net.UDPAddr]
	connection ioruntime.Future[*GameConnection]

	clientCommunication *net.UDPAddr
}

func newInitialPhase(
	rt *ioruntime.Runtime,
	log *corelog.Logger,
	dispatcher *Dispatcher,
	key natneg.SessionKey,
	idleTimeout time.Duration,
) *InitialPhase {
	strand := ioruntime.NewStrand(rt)
	socket, err := ioruntime.ListenUDP(":0")
	if err != nil {
		// A bound ephemeral UDP socket failing to open is effectively
		// unrecoverable (exhausted descriptors/ports); log and leave the
		// session dead on arrival, same as a resolve failure.
		log.Errorf(initialPhaseComponent, "failed to open communication socket for %s: %v", key, err)
	}
	ip := &InitialPhase{
		rt:          rt,
		log:         log,
		dispatcher:  dispatcher,
		key:         key,
		idleTimeout: idleTimeout,
		strand:      strand,
		commSocket:  socket,
	}
	ip.idle = ioruntime.NewIdleTimer(strand, idleTimeout, ip.onIdleExpire)
	return ip
}

func (ip *InitialPhase) start(ctx context.Context) {
	ip.strand.Post(func() {
		ip.log.Infof(initialPhaseComponent, "InitialPhase creating, id = %s", ip.key)
		ip.idle.Extend()

		host, port := ip.dispatcher.upstreamHost, ip.dispatcher.upstreamPort
		ioruntime.ResolveUDPAsync(ctx, ip.strand, host, port, func(addr *net.UDPAddr, err error) {
			if err != nil {
				ip.log.Errorf(initialPhaseComponent, "failed to resolve server hostname: %v", err)
				return
			}
			ip.server.Set(addr)
			ip.log.Infof(initialPhaseComponent, "server hostname resolved: %s", addr)
		})

		ip.server.Do(func(addr *net.UDPAddr) {
			if ip.commSocket == nil {
				return
			}
			ip.log.Infof(initialPhaseComponent, "starting to receive comm packets on local endpoint %s", ip.commSocket.Conn.LocalAddr())
			ip.commSocket.ReceiveLoop(ctx, ip.strand, initialPhaseRecvBufSize, ip.handlePacketFromServer, func(err error) {
				ip.log.Errorf(initialPhaseComponent, "async receive failed: %v", err)
			})
		})
	})
}

// prepareGameConnection schedules creation of this session's GameConnection
// once the upstream server is resolved. Safe to call multiple times: only
// the first call (per session) actually creates one.
func (ip *InitialPhase) prepareGameConnection(ctx context.Context, client *net.UDPAddr, publicAddr *publicip.Provider) {
	ip.strand.Post(func() {
		ip.server.Do(func(server *net.UDPAddr) {
			if ip.connection.Ready() {
				return
			}
			ip.log.Infof(initialPhaseComponent, "preparing GameConnection, client = %s", client)
			gc := newGameConnection(ip.rt, ip.log, ip.dispatcher, publicAddr, server, client, ip.idleTimeout)
			gc.start(ctx)
			ip.connection.Set(gc)
		})
	})
}

// handlePacketToServer dispatches a packet received on the dispatcher's
// server-facing socket to either the GameConnection (if it's the
// client-public leg) or the upstream server directly over this session's
// communication socket (if it's the communication leg). Packets that
// arrive before the GameConnection exists are buffered by the connection
// future and replayed in order once it is set.
func (ip *InitialPhase) handlePacketToServer(ctx context.Context, data []byte, from *net.UDPAddr) {
	cp := make([]byte, len(data))
	copy(cp, data)

	ip.strand.Post(func() {
		if !natneg.IsNatNeg(cp) {
			ip.log.Warnf(initialPhaseComponent, "packet to server dispatcher: not NatNeg, discarded")
			return
		}

		ip.connection.Do(func(gc *GameConnection) {
			if gc == nil || gc.closed.Load() {
				ip.log.Warnf(initialPhaseComponent, "packet to server dispatcher: aborting because connection expired")
				ip.close()
				return
			}

			if addrEqual(from, gc.ClientPublicAddress()) {
				ip.log.Infof(initialPhaseComponent, "source %s is client public address, dispatching to GameConnection", from)
				gc.handlePacketToServer(cp)
				return
			}

			ip.log.Infof(initialPhaseComponent, "dispatching to self (InitialPhase)")
			ip.handlePacketToServerInternal(cp, from)
		})
	})
}

func (ip *InitialPhase) handlePacketToServerInternal(data []byte, from *net.UDPAddr) {
	ip.log.Infof(initialPhaseComponent, "updating clientCommunication endpoint to %s", from)
	ip.clientCommunication = from

	// When the connection future is ready, the server future is certainly
	// ready too: prepareGameConnection only runs inside server.Do.
	server := ip.server.Value()
	if ip.commSocket != nil {
		if _, err := ip.commSocket.SendTo(data, server); err != nil {
			ip.log.Errorf(initialPhaseComponent, "send to server failed: %v", err)
		}
	}
	ip.idle.Extend()
}

// handlePacketFromServer runs (via the comm socket's receive loop) on the
// InitialPhase strand for every datagram arriving on the communication
// socket; datagrams that did not come from the resolved server are
// discarded here.
func (ip *InitialPhase) handlePacketFromServer(data []byte, from *net.UDPAddr) {
	server := ip.server.Value()
	if !addrEqual(from, server) {
		ip.log.Warnf(initialPhaseComponent, "packet is not from server, but from %s, discarded", from)
		return
	}

	if !natneg.IsNatNeg(data) {
		ip.log.Warnf(initialPhaseComponent, "packet from server is not NatNeg, discarded")
		return
	}

	ip.log.Infof(initialPhaseComponent, "packet from server will be processed by GameConnection")
	ip.connection.Do(func(gc *GameConnection) {
		if gc == nil || gc.closed.Load() {
			ip.log.Warnf(initialPhaseComponent, "packet from server handler: aborting because connection expired")
			ip.close()
			return
		}
		gc.handleCommunicationPacketFromServer(data, ip.clientCommunication)
	})

	ip.idle.Extend()
}

func (ip *InitialPhase) onIdleExpire() {
	ip.log.Infof(initialPhaseComponent, "closing self (id %s)", ip.key)
	ip.close()
}

func (ip *InitialPhase) close() {
	ip.idle.Stop()
	if ip.commSocket != nil {
		ip.commSocket.Close()
	}
	ip.dispatcher.removeConnection(ip.key)
}
