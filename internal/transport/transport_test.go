package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/elimau/waterslide/internal/stats"
)

func TestWriteSynthIPv4Header(t *testing.T) {
	hdr := make([]byte, synthIPv4HeaderLen)
	writeSynthIPv4Header(hdr, 42)
	if hdr[0] != 0x45 {
		t.Fatalf("hdr[0] = %#x, want 0x45 (version=4, IHL=5)", hdr[0])
	}
	totalLen := int(hdr[2])<<8 | int(hdr[3])
	if totalLen != 42+synthIPv4HeaderLen {
		t.Fatalf("total length = %d, want %d", totalLen, 42+synthIPv4HeaderLen)
	}
}

func newLoopbackEndpoint(t *testing.T) (*endpointState, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	ep := &endpointState{
		conn:  conn,
		stats: &stats.Endpoint{},
	}
	addr, ok := netip.AddrFromSlice(peerConn.LocalAddr().(*net.UDPAddr).IP.To4())
	if !ok {
		t.Fatalf("bad peer addr")
	}
	ep.peer = netip.AddrPortFrom(addr, uint16(peerConn.LocalAddr().(*net.UDPAddr).Port))
	return ep, peerConn
}

func TestBroadcastSkipsEndpointWithoutKnownPeer(t *testing.T) {
	known, knownPeerConn := newLoopbackEndpoint(t)
	defer known.conn.Close()
	defer knownPeerConn.Close()

	unknownConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer unknownConn.Close()
	unknown := &endpointState{conn: unknownConn, stats: &stats.Endpoint{}}

	tr := &Transport{endpoints: []*endpointState{known, unknown}}
	tr.broadcast([]byte("hello"))

	if got := known.stats.BytesOut.Load(); got != uint64(len("hello")+28) {
		t.Fatalf("known endpoint BytesOut = %d, want %d", got, len("hello")+28)
	}
	if got := unknown.stats.BytesOut.Load(); got != 0 {
		t.Fatalf("unknown endpoint BytesOut = %d, want 0 (no known peer, must skip)", got)
	}

	buf := make([]byte, 64)
	knownPeerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := knownPeerConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("received %q, want %q", buf[:n], "hello")
	}
}

func TestMarkCongestedOnSendFailure(t *testing.T) {
	ep, peerConn := newLoopbackEndpoint(t)
	defer peerConn.Close()
	ep.conn.Close() // send on a closed socket always fails, exercising the congestion path



	tr := &Transport{endpoints: []*endpointState{ep}}
	tr.broadcast([]byte("x"))

	if !ep.stats.SendCongested.Load() {
		t.Fatalf("SendCongested = false, want true after send on closed socket")
	}
}
