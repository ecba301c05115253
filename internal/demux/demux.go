// Package demux implements the receive-side packet demultiplexer and FEC
// decoder: it identifies the target channel from a small per-symbol
// header, accumulates symbols into a per-block buffer, reconstructs the
// block once enough symbols have arrived, and applies 8-bit modular SBN
// ordering logic to suppress duplicate and out-of-order blocks before
// handing a recovered payload slab to the channel's OnBlock callback.
//
// The accumulation ring (fixed-size, indexed by sbn&mask, overwriting the
// oldest in-flight block on collision) is a per-sender sequence ring
// adapted to per-channel FEC blocks: a ring indexed by a wrapping sequence
// number, with a "set" flag per slot. The actual block reconstruction is
// delegated to github.com/moonparty/moonlight-common-go/fec, a systematic
// Reed-Solomon code standing in for a RaptorQ fountain code (see
// DESIGN.md).
package demux

import (
	"fmt"
	"sync"

	"github.com/moonparty/moonlight-common-go/fec"

	"github.com/elimau/waterslide/internal/stats"
)

// headerLen is the size of the small demux header prefixing each FEC
// symbol on the wire: channel ID, SBN, and symbol index, one byte each.
const headerLen = 3

// ringSize is the number of distinct in-flight SBNs a channel can buffer
// concurrently before the oldest is evicted; must be a power of two. 16 is
// generous for an 8-bit modular SBN space where only a handful of blocks
// are ever in flight across a handful of redundant paths at once.
const ringSize = 16
const ringMask = ringSize - 1

// Channel describes one logical stream registered with a Demux. This core
// registers exactly one (the audio channel), but the type stays
// channel-polymorphic.
type Channel struct {
	ID     uint8
	K      int // source symbols per block
	L      int // bytes per symbol
	Parity int // parity symbols added for FEC recovery

	// OnBlock is invoked with the recovered K*L byte payload slab and its
	// SBN whenever a block passes the ordering/dedup check. Called with the
	// channel's lock held, serialising concurrent deliveries from
	// different endpoints.
	OnBlock func(payload []byte, sbn uint8)

	// OnReset is invoked (with the channel lock held) when a forward SBN
	// jump is detected, so the downstream framer can discard its
	// in-progress packet.
	OnReset func()
}

type blockSlot struct {
	set     bool
	sbn     uint8
	shards  [][]byte
	present []bool
	count   int
}

type channelState struct {
	mu sync.Mutex

	cfg Channel
	rs  *fec.ReedSolomon

	hasSBNLast bool
	sbnLast    uint8

	ring [ringSize]blockSlot

	dup   *stats.Channel
}

// Demux routes incoming cleartext payloads to registered channels, buffers
// FEC symbols per block, and delivers recovered payloads in SBN order.
type Demux struct {
	mu       sync.RWMutex
	channels map[uint8]*channelState
	stats    *stats.Channel
}

// New returns an empty Demux. stats receives the dup/ooo/delivered counters
// for all registered channels (this core has exactly one channel, so one
// stats.Channel suffices; a multi-channel deployment would key by chId).
func New(st *stats.Channel) *Demux {
	return &Demux{channels: make(map[uint8]*channelState), stats: st}
}

// Register adds a channel. K and L must be positive; a non-positive
// Parity is treated as 1.
func (d *Demux) Register(cfg Channel) error {
	if cfg.K <= 0 || cfg.L <= 0 {
		return fmt.Errorf("demux: channel %d: K and L must be positive", cfg.ID)
	}
	parity := cfg.Parity
	if parity <= 0 {
		parity = 1
	}
	rs, err := fec.New(cfg.K, parity)
	if err != nil {
		return fmt.Errorf("demux: channel %d: init FEC: %w", cfg.ID, err)
	}
	cs := &channelState{cfg: cfg, rs: rs, dup: d.stats}

	d.mu.Lock()
	d.channels[cfg.ID] = cs
	d.mu.Unlock()
	return nil
}

// HandlePacket parses one cleartext payload (as delivered by the transport
// layer after stripping the synthetic IPv4 header) and routes it to the
// matching channel. Unknown channel IDs and malformed headers are dropped
// silently — there is no per-channel registration ack in this protocol, so
// a stray header is indistinguishable from noise.
func (d *Demux) HandlePacket(payload []byte) {
	if len(payload) < headerLen {
		return
	}
	chID := payload[0]
	sbn := payload[1]
	symIdx := int(payload[2])
	data := payload[headerLen:]

	d.mu.RLock()
	cs, ok := d.channels[chID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	cs.handleSymbol(sbn, symIdx, data)
}

func (cs *channelState) handleSymbol(sbn uint8, symIdx int, data []byte) {
	total := cs.cfg.K + cs.effectiveParity()
	if symIdx < 0 || symIdx >= total || len(data) != cs.cfg.L {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	slot := &cs.ring[sbn&ringMask]
	if !slot.set || slot.sbn != sbn {
		// Either a fresh slot or we're evicting whatever stale SBN
		// occupied this ring position.
		*slot = blockSlot{
			set:     true,
			sbn:     sbn,
			shards:  make([][]byte, total),
			present: make([]bool, total),
		}
	}

	if !slot.present[symIdx] {
		cp := make([]byte, len(data))
		copy(cp, data)
		slot.shards[symIdx] = cp
		slot.present[symIdx] = true
		slot.count++
	}

	if slot.count < cs.cfg.K {
		return
	}

	// Block is decodable: reconstruct, then apply ordering/dedup.
	payload, err := cs.reconstruct(slot)
	*slot = blockSlot{} // block consumed either way

	if err != nil {
		return
	}

	cs.deliver(sbn, payload)
}

func (cs *channelState) effectiveParity() int {
	if cs.cfg.Parity > 0 {
		return cs.cfg.Parity
	}
	return 1
}

func (cs *channelState) reconstruct(slot *blockSlot) ([]byte, error) {
	if err := cs.rs.Reconstruct(slot.shards, slot.present); err != nil {
		return nil, err
	}
	payload := make([]byte, 0, cs.cfg.K*cs.cfg.L)
	for i := 0; i < cs.cfg.K; i++ {
		payload = append(payload, slot.shards[i]...)
	}
	return payload, nil
}

// deliver applies the SBN ordering/dedup logic and, on diff==1, invokes
// OnBlock. Called with cs.mu held.
func (cs *channelState) deliver(sbn uint8, payload []byte) {
	if !cs.hasSBNLast {
		cs.hasSBNLast = true
		cs.sbnLast = sbn
		if cs.cfg.OnBlock != nil {
			cs.cfg.OnBlock(payload, sbn)
		}
		if cs.dup != nil {
			cs.dup.BlocksDelivered.Add(1)
		}
		return
	}

	var diff int
	if int(cs.sbnLast)-int(sbn) > 128 {
		diff = 256 - int(cs.sbnLast) + int(sbn)
	} else {
		diff = int(sbn) - int(cs.sbnLast)
	}

	switch {
	case diff == 0:
		if cs.dup != nil {
			cs.dup.DupBlockCount.Add(1)
		}
	case diff < 0:
		if cs.dup != nil {
			cs.dup.OOOBlockCount.Add(1)
		}
	case diff > 1:
		if cs.dup != nil {
			cs.dup.OOOBlockCount.Add(uint64(diff - 1))
		}
		if cs.cfg.OnReset != nil {
			cs.cfg.OnReset()
		}
	default: // diff == 1
		if cs.cfg.OnBlock != nil {
			cs.cfg.OnBlock(payload, sbn)
		}
		if cs.dup != nil {
			cs.dup.BlocksDelivered.Add(1)
		}
	}

	cs.sbnLast = sbn
}
