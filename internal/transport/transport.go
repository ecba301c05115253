// Package transport implements the secure multi-endpoint receive path: N
// UDP sockets bound to distinct interfaces, a single shared Noise tunnel
// (internal/transport/noiseproto), per-endpoint discovery, and a tick
// thread that raises the process's scheduling priority (best effort).
//
// Field naming on endpointState (BytesIn/BytesOut/Open) follows govpn's
// Peer struct's statistics block (other_examples,
// fencholCN-govpn/src/govpn/transport.go) — the same "per-peer atomic
// traffic counters plus a handful of state flags" shape, generalised here
// from a single-peer daemon to N redundant paths sharing one tunnel.
// Socket and discovery-thread lifecycle open resources inside Init,
// signal shutdown by cancelling a context, and join worker goroutines via
// a sync.WaitGroup.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/elimau/waterslide/internal/stats"
	"github.com/elimau/waterslide/internal/transport/noiseproto"
)

// tickInterval is the fixed, sub-second tick period for handshake retry
// and keepalive.
const tickInterval = 200 * time.Millisecond

// scratchSize is the size of each endpoint's private decrypt scratch
// buffer.
const scratchSize = 1500

// synthIPv4HeaderLen is the size of the synthetic IPv4 header prefixed to
// every plaintext payload before encryption.
const synthIPv4HeaderLen = 20

// OnPacket receives one cleartext payload recovered from endpoint epIndex.
type OnPacket func(payload []byte, epIndex int)

// Endpoint describes one configured receive path: the local interface to
// bind a UDP socket to.
type Endpoint struct {
	Interface string
}

// endpointState is the runtime state backing one configured Endpoint.
type endpointState struct {
	iface string
	conn  *net.UDPConn

	peerMu sync.RWMutex
	peer   netip.AddrPort

	stats *stats.Endpoint

	scratch []byte // this endpoint's private slice of the dstBuf split-borrow
}

// Transport owns the endpoint sockets, the shared tunnel, the tick
// thread, and the per-endpoint discovery/receive threads.
type Transport struct {
	endpoints []*endpointState
	tunnel    *noiseproto.TunnelState
	onPacket  OnPacket

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Init opens one UDP socket per configured endpoint and initialises the
// shared tunnel; it starts no threads. Run starts the per-endpoint
// receive threads (which also learn the peer address) and the tick
// thread. localPrivate/peerPublic are already-decoded
// 32-byte X25519 keys (base64 decoding is the config loader's job, out of
// scope here).
func Init(endpoints []Endpoint, localPrivate, peerPublic []byte, reg []stats.Endpoint, onPacket OnPacket) (*Transport, error) {
	if len(reg) != len(endpoints) {
		return nil, fmt.Errorf("transport: stats registry has %d endpoints, want %d", len(reg), len(endpoints))
	}

	tunnel, err := noiseproto.New(localPrivate, peerPublic, true)
	if err != nil {
		return nil, fmt.Errorf("transport: init tunnel: %w", err)
	}

	t := &Transport{tunnel: tunnel, onPacket: onPacket}
	for i, ep := range endpoints {
		conn, err := bindInterface(ep.Interface)
		if err != nil {
			t.closeOpened()
			return nil, fmt.Errorf("transport: endpoint %d (%s): %w", i, ep.Interface, err)
		}
		t.endpoints = append(t.endpoints, &endpointState{
			iface:   ep.Interface,
			conn:    conn,
			stats:   &reg[i],
			scratch: make([]byte, scratchSize),
		})
		reg[i].Open.Store(true)
	}
	return t, nil
}

func (t *Transport) closeOpened() {
	for _, ep := range t.endpoints {
		ep.conn.Close()
	}
}

// bindInterface opens a UDP socket bound to the given interface's address.
// An empty name binds to the wildcard address (useful for loopback tests
// and single-homed hosts).
func bindInterface(name string) (*net.UDPConn, error) {
	if name == "" {
		return net.ListenUDP("udp", nil)
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface: %w", err)
	}
	addrs, err := iface.Addrs()
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("no address on interface %s", name)
	}
	ipNet, ok := addrs[0].(*net.IPNet)
	if !ok {
		return nil, fmt.Errorf("unexpected address type on interface %s", name)
	}
	return net.ListenUDP("udp", &net.UDPAddr{IP: ipNet.IP})
}

// Run starts the per-endpoint discovery+receive threads and the tick
// thread, blocking until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	for i, ep := range t.endpoints {
		t.wg.Add(1)
		go func(i int, ep *endpointState) {
			defer t.wg.Done()
			t.receiveLoop(runCtx, i, ep)
		}(i, ep)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.tickLoop(runCtx)
	}()

	<-runCtx.Done()
}

// receiveLoop is the per-endpoint receive thread: block in recv,
// learn/validate the peer address, account bytesIn, and run onPeerPacket
// synchronously.
func (t *Transport) receiveLoop(ctx context.Context, epIndex int, ep *endpointState) {
	buf := make([]byte, scratchSize)
	go func() {
		<-ctx.Done()
		ep.conn.Close()
	}()

	for {
		n, addr, err := ep.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return // socket closed on shutdown
		}

		ep.peerMu.RLock()
		known := ep.peer
		ep.peerMu.RUnlock()
		if known == (netip.AddrPort{}) {
			ep.peerMu.Lock()
			ep.peer = addr
			ep.peerMu.Unlock()
		} else if known != addr {
			continue // unauthenticated source; the tunnel will reject forged ciphertext anyway
		}

		ep.stats.BytesIn.Add(uint64(n) + 28)
		t.onPeerPacket(buf[:n], epIndex, ep)
	}
}

// onPeerPacket runs the decrypt protocol for one received datagram.
func (t *Transport) onPeerPacket(datagram []byte, epIndex int, ep *endpointState) {
	res, n, err := t.tunnel.Decapsulate(datagram, ep.scratch)
	switch res {
	case noiseproto.ResultError:
		if err != noiseproto.ErrDuplicate {
			log.Printf("[transport] endpoint %d: tunnel error: %v", epIndex, err)
		}
	case noiseproto.ResultWriteToNetwork:
		t.broadcast(ep.scratch[:n])
	case noiseproto.ResultWriteToTunnelIPv4:
		if n < synthIPv4HeaderLen+2 {
			return
		}
		// demux header is [chId, sbn, symIdx, ...]; sbn is the second byte.
		ep.stats.LastChannelSBN.Store(uint32(ep.scratch[synthIPv4HeaderLen+1]))
		if t.onPacket != nil {
			t.onPacket(ep.scratch[synthIPv4HeaderLen:n], epIndex)
		}
	case noiseproto.ResultDone:
		// handshake progressed with nothing to send, or a keepalive with
		// no payload; nothing to do.
	}
}

// tickLoop is the periodic, sub-second tick thread. It first calls
// elevateThreadPriority, which renices the whole process rather than this
// thread alone and does not switch to a realtime scheduling class.
func (t *Transport) tickLoop(ctx context.Context) {
	elevateThreadPriority()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if msg, ok := t.tunnel.Tick(); ok {
				t.broadcast(msg)
			}
		}
	}
}

// elevateThreadPriority makes a best-effort attempt to raise this
// goroutine's scheduling priority. Go does not expose per-goroutine thread
// identity cleanly, so this nices the whole process down (negative =
// higher priority); failures are non-fatal since the contract is
// best-effort.
func elevateThreadPriority() {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -5); err != nil {
		log.Printf("[transport] tick: could not elevate priority: %v", err)
	}
}

// Send wraps buf in a synthetic IPv4 header, encrypts it, and broadcasts
// to every endpoint with a known peer.
func (t *Transport) Send(buf []byte) {
	packet := make([]byte, synthIPv4HeaderLen+len(buf))
	writeSynthIPv4Header(packet, len(buf))
	copy(packet[synthIPv4HeaderLen:], buf)

	res, ct, err := t.tunnel.Encapsulate(packet)
	if err != nil || res != noiseproto.ResultWriteToNetwork {
		return // handshake not yet established; drop
	}
	t.broadcast(ct)
}

// writeSynthIPv4Header fills a 20-byte synthetic header per spec.md §4.C:
// version=4, IHL=5, total length = payloadLen+20. All other fields are
// zero; the receiver strips and ignores this header entirely.
func writeSynthIPv4Header(hdr []byte, payloadLen int) {
	hdr[0] = 0x45 // version=4, IHL=5
	binary.BigEndian.PutUint16(hdr[2:4], uint16(payloadLen+synthIPv4HeaderLen))
}

// broadcast implements spec.md §4.C's send-to-all policy: best-effort,
// skip endpoints without a known peer or with a transient send failure,
// account bytesOut on success, never abort on a single failure.
func (t *Transport) broadcast(buf []byte) {
	for _, ep := range t.endpoints {
		ep.peerMu.RLock()
		peer := ep.peer
		ep.peerMu.RUnlock()
		if peer == (netip.AddrPort{}) {
			continue
		}
		if _, err := ep.conn.WriteToUDPAddrPort(buf, peer); err != nil {
			markCongested(ep.stats)
			continue
		}
		ep.stats.SendCongested.Store(false)
		ep.stats.BytesOut.Add(uint64(len(buf)) + 28)
	}
}

// markCongested records any send failure as send congestion —
// declared but never wired up in the source per spec.md §9 Open Question
// (b); this implementation wires it.
func markCongested(s *stats.Endpoint) {
	s.SendCongested.Store(true)
}

// Close stops all threads and frees per-endpoint resources.
func (t *Transport) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
