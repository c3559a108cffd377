package ioruntime

import (
	"context"
	"errors"
	"net"
)

// UDPSocket wraps a net.UDPConn with a receive loop that delivers each
// datagram to a strand, reproducing "always one outstanding receive; the
// next receive is posted before handling the current packet" without an
// asio-style async_receive_from: a dedicated goroutine blocks in
// ReadFromUDP and, for every datagram, immediately loops back into the next
// Read while handing the just-received bytes to the strand for serialized
// handling. The strand therefore never sees two datagrams from the same
// socket processed out of order, while reads themselves are never blocked
// on handler completion.
type UDPSocket struct {
	Conn *net.UDPConn
}

// ListenUDP opens a UDP socket bound to addr (use ":0" for an ephemeral
// port, matching the per-session private sockets InitialPhase and
// GameConnection each open).
func ListenUDP(addr string) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{Conn: conn}, nil
}

// LocalPort returns the locally bound UDP port.
func (s *UDPSocket) LocalPort() uint16 {
	if addr, ok := s.Conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Close releases the underlying socket.
func (s *UDPSocket) Close() error {
	return s.Conn.Close()
}

// SendTo writes b to addr. Transient failures are reported to the caller,
// which logs and drops on failure — the datagram is simply lost.
func (s *UDPSocket) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	return s.Conn.WriteToUDP(b, addr)
}

// ReceiveLoop starts the socket's read goroutine and returns immediately;
// the goroutine runs until ctx is cancelled or the socket is closed. For
// each datagram it copies exactly the received bytes into a fresh slice (so
// the handler, run later on the strand, never races the next Read reusing
// the buffer) and posts handle(data, from) to strand. bufSize governs both
// the read buffer and the truncation check: game-plane sockets use 512
// bytes and NatNeg-plane sockets use 1024, and callers pass the size
// appropriate to the socket's role.
func (s *UDPSocket) ReceiveLoop(ctx context.Context, strand *Strand, bufSize int, handle func(data []byte, from *net.UDPAddr), onError func(error)) {
	go func() {
		buf := make([]byte, bufSize)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, from, err := s.Conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				if onError != nil {
					strand.Post(func() { onError(err) })
				}
				continue
			}

			data := make([]byte, n)
			copy(data, buf[:n])
			truncated := n == bufSize
			strand.Post(func() {
				if truncated && onError != nil {
					onError(errTruncated{size: bufSize, received: n})
				}
				handle(data, from)
			})
		}
	}()
}

type errTruncated struct {
	size     int
	received int
}

func (e errTruncated) Error() string {
	return "received data may be truncated"
}
