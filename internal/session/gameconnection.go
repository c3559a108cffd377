package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/langyo/CNCOnlineForwarder/internal/corelog"
	"github.com/langyo/CNCOnlineForwarder/internal/ioruntime"
	"github.com/langyo/CNCOnlineForwarder/internal/natneg"
	"github.com/langyo/CNCOnlineForwarder/internal/publicip"
)

const gameConnectionComponent = "GameConnection"

// gameConnectionRecvBufSize is the 512-byte game-plane receive buffer; a
// datagram that fills it exactly is logged as possibly truncated.
const gameConnectionRecvBufSize = 512

// GameConnection relays the peer-to-peer game traffic for one negotiated
// session once the hidden client's public endpoint is known. It owns two
// private sockets: PublicSocketForClient faces the upstream server and the
// true remote peer, and FakeRemotePlayerSocket impersonates the remote peer
// to the hidden client so the client's hole-punch lands on the proxy.
type GameConnection struct {
	log        *corelog.Logger
	dispatcher *Dispatcher
	publicAddr *publicip.Provider

	strand *ioruntime.Strand

	server              *net.UDPAddr
	clientPublicAddress *net.UDPAddr
	clientRealAddress   *net.UDPAddr
	remotePlayer        *net.UDPAddr

	publicSocketForClient  *ioruntime.UDPSocket
	fakeRemotePlayerSocket *ioruntime.UDPSocket
	fakeRemoteLoopStarted  bool

	idle *ioruntime.IdleTimer

	closed atomic.Bool
}

func newGameConnection(
	rt *ioruntime.Runtime,
	log *corelog.Logger,
	dispatcher *Dispatcher,
	publicAddr *publicip.Provider,
	server *net.UDPAddr,
	clientPublicAddress *net.UDPAddr,
	idleTimeout time.Duration,
) *GameConnection {
	strand := ioruntime.NewStrand(rt)

	publicSocket, err := ioruntime.ListenUDP(":0")
	if err != nil {
		log.Errorf(gameConnectionComponent, "failed to open public socket for client %s: %v", clientPublicAddress, err)
	}
	fakeSocket, err := ioruntime.ListenUDP(":0")
	if err != nil {
		log.Errorf(gameConnectionComponent, "failed to open fake remote player socket for client %s: %v", clientPublicAddress, err)
	}

	gc := &GameConnection{
		log:                    log,
		dispatcher:             dispatcher,
		publicAddr:             publicAddr,
		strand:                 strand,
		server:                 server,
		clientPublicAddress:    clientPublicAddress,
		clientRealAddress:      clientPublicAddress,
		publicSocketForClient:  publicSocket,
		fakeRemotePlayerSocket: fakeSocket,
	}
	gc.idle = ioruntime.NewIdleTimer(strand, idleTimeout, gc.onIdleExpire)
	return gc
}

// ClientPublicAddress returns the fixed game-plane endpoint this connection
// was created for.
func (gc *GameConnection) ClientPublicAddress() *net.UDPAddr {
	return gc.clientPublicAddress
}

func (gc *GameConnection) start(ctx context.Context) {
	gc.strand.Post(func() {
		gc.log.Infof(gameConnectionComponent, "new connection created, client = %s", gc.clientPublicAddress)
		gc.idle.Extend()
		if gc.publicSocketForClient != nil {
			gc.publicSocketForClient.ReceiveLoop(ctx, gc.strand, gameConnectionRecvBufSize, gc.handlePacketToClient, func(err error) {
				gc.log.Errorf(gameConnectionComponent, "async receive failed: %v", err)
			})
		}
	})
}

// handlePacketToServer relays a game-plane packet from the hidden client
// straight to the upstream server over PublicSocketForClient.
func (gc *GameConnection) handlePacketToServer(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	gc.strand.Post(func() {
		if !natneg.IsNatNeg(cp) {
			gc.log.Warnf(gameConnectionComponent, "packet to server is not NatNeg, discarded")
			return
		}

		gc.log.Infof(gameConnectionComponent, "sending data to server through client public socket")
		if gc.publicSocketForClient != nil {
			if _, err := gc.publicSocketForClient.SendTo(cp, gc.server); err != nil {
				gc.log.Errorf(gameConnectionComponent, "send to server failed: %v", err)
			}
		}
		gc.idle.Extend()
	})
}

// handleCommunicationPacketFromServer is invoked by InitialPhase for every
// NatNeg packet the server sends back on the communication leg. If the
// packet embeds the remote peer's address, it is rewritten in a copy so the
// hidden client is told to hole-punch to this proxy's FakeRemotePlayerSocket
// instead of the true remote.
func (gc *GameConnection) handleCommunicationPacketFromServer(data []byte, communicationAddress *net.UDPAddr) {
	cp := make([]byte, len(data))
	copy(cp, data)

	gc.strand.Post(func() {
		step, err := natneg.GetStep(cp)
		if err != nil {
			gc.log.Warnf(gameConnectionComponent, "comm packet handler: %v", err)
			return
		}
		gc.log.Infof(gameConnectionComponent, "comm packet handler: NatNeg step %s", step)

		out := make([]byte, len(cp))
		copy(out, cp)

		if offset, ok := natneg.AddressOffset(step); ok {
			gc.log.Infof(gameConnectionComponent, "comm packet contains address, will try to rewrite it")

			ip, port, err := natneg.ParseAddress(out, offset)
			if err != nil {
				gc.log.Warnf(gameConnectionComponent, "comm packet address parse failed: %v", err)
				return
			}
			gc.remotePlayer = udpAddrFromBytes(ip, port)
			gc.log.Infof(gameConnectionComponent, "comm packet's address stored in remotePlayer: %s", gc.remotePlayer)

			if gc.fakeRemotePlayerSocket != nil {
				localPort := gc.fakeRemotePlayerSocket.LocalPort()
				public := gc.publicAddr.Current()
				gc.log.Infof(gameConnectionComponent, "fake remote local port: %d", localPort)

				if err := natneg.RewriteAddress(out, offset, ipv4Bytes(public), localPort); err != nil {
					gc.log.Warnf(gameConnectionComponent, "comm packet address rewrite failed: %v", err)
				} else {
					gc.log.Infof(gameConnectionComponent, "address rewritten as %s:%d", public, localPort)
				}

				gc.log.Infof(gameConnectionComponent, "preparing to receive packet from player to fake remote")
				gc.startFakeRemoteLoop(context.Background())
			}
		}

		gc.log.Infof(gameConnectionComponent, "comm packet from server will be sent to client from proxy")
		gc.dispatcher.sendFromProxySocket(out, communicationAddress)
		gc.idle.Extend()
	})
}

// startFakeRemoteLoop arms the impersonation socket's receive loop the
// first time an address is rewritten into it; calling it again is a no-op,
// matching "always one outstanding receive" rather than stacking loops.
func (gc *GameConnection) startFakeRemoteLoop(ctx context.Context) {
	if gc.fakeRemoteLoopStarted || gc.fakeRemotePlayerSocket == nil {
		return
	}
	gc.fakeRemoteLoopStarted = true
	gc.fakeRemotePlayerSocket.ReceiveLoop(ctx, gc.strand, gameConnectionRecvBufSize, gc.handlePacketToRemotePlayer, func(err error) {
		gc.log.Errorf(gameConnectionComponent, "async receive failed: %v", err)
	})
}

// handlePacketToClient is the dispatch function for PublicSocketForClient's
// receive loop: packets from the resolved server are NatNeg-plane replies
// that must be forwarded through the dispatcher's public port; anything
// else is game traffic from the remote peer.
func (gc *GameConnection) handlePacketToClient(data []byte, from *net.UDPAddr) {
	if addrEqual(from, gc.server) {
		if natneg.IsNatNeg(data) {
			gc.log.Infof(gameConnectionComponent, "packet from server will be sent to client from proxy")
			gc.dispatcher.sendFromProxySocket(data, gc.clientPublicAddress)
		} else {
			gc.log.Warnf(gameConnectionComponent, "packet from server is not NatNeg, discarded")
		}
		gc.idle.Extend()
		return
	}

	gc.handlePacketFromRemotePlayer(data, from)
}

func (gc *GameConnection) handlePacketFromRemotePlayer(data []byte, from *net.UDPAddr) {
	if !addrEqual(gc.remotePlayer, from) {
		gc.log.Warnf(gameConnectionComponent, "updating remote player address from %s to %s", gc.remotePlayer, from)
		gc.remotePlayer = from
	}

	if natneg.IsNatNeg(data) {
		gc.log.Infof(gameConnectionComponent, "forwarding NatNeg packet from remote %s to %s", gc.remotePlayer, gc.clientRealAddress)
	}

	if gc.fakeRemotePlayerSocket != nil {
		if _, err := gc.fakeRemotePlayerSocket.SendTo(data, gc.clientRealAddress); err != nil {
			gc.log.Errorf(gameConnectionComponent, "send to client failed: %v", err)
		}
	}
	gc.idle.Extend()
}

func (gc *GameConnection) handlePacketToRemotePlayer(data []byte, from *net.UDPAddr) {
	if !addrEqual(gc.clientRealAddress, from) {
		gc.log.Warnf(gameConnectionComponent, "updating client address from %s to %s", gc.clientRealAddress, from)
		gc.clientRealAddress = from
	}

	if natneg.IsNatNeg(data) {
		gc.log.Infof(gameConnectionComponent, "forwarding NatNeg packet from client to remote %s", gc.remotePlayer)
	}

	if gc.publicSocketForClient != nil {
		if _, err := gc.publicSocketForClient.SendTo(data, gc.remotePlayer); err != nil {
			gc.log.Errorf(gameConnectionComponent, "send to remote failed: %v", err)
		}
	}
	gc.idle.Extend()
}

func (gc *GameConnection) onIdleExpire() {
	gc.log.Infof(gameConnectionComponent, "timeout reached, closing self")
	gc.close()
}

func (gc *GameConnection) close() {
	if gc.closed.Swap(true) {
		return
	}
	gc.idle.Stop()
	if gc.publicSocketForClient != nil {
		gc.publicSocketForClient.Close()
	}
	if gc.fakeRemotePlayerSocket != nil {
		gc.fakeRemotePlayerSocket.Close()
	}
}
