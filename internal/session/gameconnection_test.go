package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/langyo/CNCOnlineForwarder/internal/corelog"
	"github.com/langyo/CNCOnlineForwarder/internal/ioruntime"
	"github.com/langyo/CNCOnlineForwarder/internal/natneg"
	"github.com/langyo/CNCOnlineForwarder/internal/publicip"
)

func testLogger() *corelog.Logger {
	return corelog.NewLogger(corelog.LogConfig{Level: "off"})
}

func startedRuntime(t *testing.T, ctx context.Context) *ioruntime.Runtime {
	t.Helper()
	rt := ioruntime.NewRuntime()
	go rt.Run(ctx, 2)
	return rt
}

func fixedPublicAddress(t *testing.T, ip string) *publicip.Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ip))
	}))
	t.Cleanup(srv.Close)

	p := publicip.New(srv.URL, time.Hour, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Run(ctx)
	return p
}

// recvOne reads a single datagram from conn with a short deadline, failing
// the test on timeout.
func recvOne(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("expected a forwarded datagram: %v", err)
	}
	return buf[:n]
}

// TestAddressRewriteOnConnect reproduces the "address rewrite on connect"
// scenario: a connect packet arriving from the server, carrying the real
// remote peer's address, must be forwarded to the hidden client with that
// address field rewritten to point at this proxy's FakeRemotePlayerSocket,
// translated through the public address provider.
func TestAddressRewriteOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := startedRuntime(t, ctx)

	log := testLogger()
	provider := fixedPublicAddress(t, "203.0.113.7")

	dispatcherSocket, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer dispatcherSocket.Close()

	dispatcher := &Dispatcher{
		rt:     rt,
		log:    log,
		strand: ioruntime.NewStrand(rt),
		socket: &ioruntime.UDPSocket{Conn: dispatcherSocket},
	}

	commConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer commConn.Close()
	commAddr := commConn.LocalAddr().(*net.UDPAddr)

	server := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 27901}
	clientPublic := &net.UDPAddr{IP: net.ParseIP("192.0.2.50"), Port: 4000}

	gc := newGameConnection(rt, log, dispatcher, provider, server, clientPublic, time.Minute)
	gc.start(ctx)

	// connect packet: magic | version | step(connect) | NatNegID | address
	// field (192.168.1.10:6666, big-endian) | opaque tail.
	buf := make([]byte, 24)
	copy(buf, []byte{0xFD, 0xFC, 0x1E, 0x66, 0x6A, 0xB2})
	buf[6] = 0x02
	buf[7] = byte(natneg.StepConnect)
	copy(buf[8:12], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	copy(buf[12:16], []byte{192, 168, 1, 10})
	buf[16], buf[17] = 0x1A, 0x0A

	gc.handleCommunicationPacketFromServer(buf, commAddr)

	forwarded := recvOne(t, commConn)

	offset, ok := natneg.AddressOffset(natneg.StepConnect)
	if !ok {
		t.Fatalf("connect should carry an address offset")
	}
	gotIP, gotPort, err := natneg.ParseAddress(forwarded, offset)
	if err != nil {
		t.Fatalf("ParseAddress on forwarded packet: %v", err)
	}

	wantIP := [4]byte{203, 0, 113, 7}
	if gotIP != wantIP {
		t.Fatalf("rewritten ip = %v, want %v", gotIP, wantIP)
	}

	// Give the strand a moment to have set remotePlayer (handled
	// synchronously within the same posted closure, but read it back
	// through a round-trip post to stay strand-safe).
	done := make(chan *net.UDPAddr, 1)
	gc.strand.Post(func() { done <- gc.remotePlayer })
	remote := <-done

	wantRemote := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 6666}
	if !addrEqual(remote, wantRemote) {
		t.Fatalf("remotePlayer = %s, want %s", remote, wantRemote)
	}

	if gotPort == 0 {
		t.Fatalf("rewritten port must not be zero")
	}
}

// TestClientEndpointRebinding reproduces scenario 6: once relaying, a
// datagram arriving on FakeRemotePlayerSocket from a new source address
// must update clientRealAddress so subsequent relays use it.
func TestClientEndpointRebinding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := startedRuntime(t, ctx)
	log := testLogger()
	provider := fixedPublicAddress(t, "203.0.113.7")

	dispatcherSocket, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer dispatcherSocket.Close()
	dispatcher := &Dispatcher{
		rt:     rt,
		log:    log,
		strand: ioruntime.NewStrand(rt),
		socket: &ioruntime.UDPSocket{Conn: dispatcherSocket},
	}

	server := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 27901}
	clientPublic := &net.UDPAddr{IP: net.ParseIP("192.0.2.50"), Port: 4000}
	gc := newGameConnection(rt, log, dispatcher, provider, server, clientPublic, time.Minute)
	gc.start(ctx)

	remotePlayerConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer remotePlayerConn.Close()
	gc.strand.Post(func() {
		gc.remotePlayer = remotePlayerConn.LocalAddr().(*net.UDPAddr)
	})
	// Relaying begins once a connect packet has been rewritten, which is
	// what arms FakeRemotePlayerSocket's receive loop; arm it directly here.
	gc.strand.Post(func() { gc.startFakeRemoteLoop(ctx) })

	// Bound to loopback so its LocalAddr matches the source address the
	// relay observes.
	newClientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer newClientConn.Close()

	if _, err := newClientConn.WriteToUDP([]byte("hello"), gc.fakeRemotePlayerSocket.Conn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	relayed := recvOne(t, remotePlayerConn)
	if string(relayed) != "hello" {
		t.Fatalf("relayed payload = %q, want %q", relayed, "hello")
	}

	done := make(chan *net.UDPAddr, 1)
	gc.strand.Post(func() { done <- gc.clientRealAddress })
	got := <-done
	want := newClientConn.LocalAddr().(*net.UDPAddr)
	if !addrEqual(got, want) {
		t.Fatalf("clientRealAddress = %s, want %s (rebinding should follow the new source)", got, want)
	}
}
