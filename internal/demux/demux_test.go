package demux

import (
	"bytes"
	"testing"

	"github.com/moonparty/moonlight-common-go/fec"

	"github.com/elimau/waterslide/internal/stats"
)

// newTestRS builds a ReedSolomon codec identical to the one a registered
// channel uses internally, so the test can produce valid parity shards for
// TestMultiSymbolFECReconstruction without reaching into channelState.
func newTestRS(t *testing.T, dataShards, parityShards int) *fec.ReedSolomon {
	t.Helper()
	rs, err := fec.New(dataShards, parityShards)
	if err != nil {
		t.Fatalf("fec.New: %v", err)
	}
	return rs
}

// buildPacket assembles one demux wire packet: header + symbol bytes.
func buildPacket(chID, sbn uint8, symIdx int, data []byte) []byte {
	out := make([]byte, headerLen+len(data))
	out[0] = chID
	out[1] = sbn
	out[2] = byte(symIdx)
	copy(out[headerLen:], data)
	return out
}

// newSingleSymbolDemux returns a Demux with K=1 (one symbol == one block),
// for the common case where each datagram is a complete,
// immediately-decodable block.
func newSingleSymbolDemux(t *testing.T, onBlock func(payload []byte, sbn uint8), onReset func()) (*Demux, *stats.Channel) {
	t.Helper()
	st := &stats.Channel{}
	d := New(st)
	if err := d.Register(Channel{ID: 0, K: 1, L: 4, Parity: 1, OnBlock: onBlock, OnReset: onReset}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return d, st
}

func TestCleanSequentialDelivery(t *testing.T) {
	var delivered []uint8
	d, st := newSingleSymbolDemux(t, func(payload []byte, sbn uint8) {
		delivered = append(delivered, sbn)
	}, nil)

	for sbn := 0; sbn < 100; sbn++ {
		d.HandlePacket(buildPacket(0, uint8(sbn), 0, []byte{1, 2, 3, 4}))
	}

	if len(delivered) != 100 {
		t.Fatalf("delivered %d blocks, want 100", len(delivered))
	}
	for i, sbn := range delivered {
		if sbn != uint8(i) {
			t.Fatalf("delivered[%d] = %d, want %d", i, sbn, i)
		}
	}
	if st.DupBlockCount.Load() != 0 || st.OOOBlockCount.Load() != 0 {
		t.Fatalf("dup=%d ooo=%d, want 0,0", st.DupBlockCount.Load(), st.OOOBlockCount.Load())
	}
}

func TestDuplicateAcrossPaths(t *testing.T) {
	var delivered int
	d, st := newSingleSymbolDemux(t, func(payload []byte, sbn uint8) { delivered++ }, nil)

	for sbn := 0; sbn < 100; sbn++ {
		pkt := buildPacket(0, uint8(sbn), 0, []byte{5, 6, 7, 8})
		d.HandlePacket(pkt) // path 0
		d.HandlePacket(pkt) // path 1, identical SBN
	}

	if delivered != 100 {
		t.Fatalf("delivered %d blocks, want 100", delivered)
	}
	if got := st.DupBlockCount.Load(); got != 100 {
		t.Fatalf("DupBlockCount = %d, want 100", got)
	}
}

func TestForwardJumpResetsFramerAndSkipsIntermediate(t *testing.T) {
	var delivered []uint8
	var resets int
	d, st := newSingleSymbolDemux(t, func(payload []byte, sbn uint8) {
		delivered = append(delivered, sbn)
	}, func() { resets++ })

	for _, sbn := range []uint8{0, 1, 2, 5, 6, 7} {
		d.HandlePacket(buildPacket(0, sbn, 0, []byte{9, 9, 9, 9}))
	}

	// 0,1,2 delivered; 5 triggers the jump (not delivered); 6,7 delivered.
	want := []uint8{0, 1, 2, 6, 7}
	if len(delivered) != len(want) {
		t.Fatalf("delivered = %v, want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("delivered = %v, want %v", delivered, want)
		}
	}
	if got := st.OOOBlockCount.Load(); got != 2 {
		t.Fatalf("OOOBlockCount = %d, want 2 (jump 2->5 skips 3,4)", got)
	}
	if resets != 1 {
		t.Fatalf("resets = %d, want 1", resets)
	}
}

func TestOldSBNDropped(t *testing.T) {
	var delivered []uint8
	d, st := newSingleSymbolDemux(t, func(payload []byte, sbn uint8) {
		delivered = append(delivered, sbn)
	}, nil)

	for _, sbn := range []uint8{5, 6, 3} { // 3 arrives late, behind sbnLast=6
		d.HandlePacket(buildPacket(0, sbn, 0, []byte{1, 1, 1, 1}))
	}

	if len(delivered) != 2 || delivered[0] != 5 || delivered[1] != 6 {
		t.Fatalf("delivered = %v, want [5 6]", delivered)
	}
	if got := st.OOOBlockCount.Load(); got != 1 {
		t.Fatalf("OOOBlockCount = %d, want 1", got)
	}
}

func TestMultiSymbolFECReconstruction(t *testing.T) {
	const K, parity, L = 4, 2, 8
	var delivered [][]byte
	st := &stats.Channel{}
	d := New(st)
	if err := d.Register(Channel{ID: 0, K: K, L: L, Parity: parity,
		OnBlock: func(payload []byte, sbn uint8) {
			delivered = append(delivered, append([]byte(nil), payload...))
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Build K+parity shards out-of-band using the same codec to get valid
	// parity, then feed all but source symbol 0 (simulating one lost
	// source symbol recovered from parity).
	data := make([][]byte, K+parity)
	for i := 0; i < K; i++ {
		data[i] = bytes.Repeat([]byte{byte(i + 1)}, L)
	}
	for i := K; i < K+parity; i++ {
		data[i] = make([]byte, L)
	}
	rs := newTestRS(t, K, parity)
	if err := rs.Encode(data); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Feed symbol indices {1,2,3,4,5} — skip index 0 (a lost source
	// symbol) but supply source 1..3 and both parity shards. The block
	// decodes once K symbols (1..4) are in; symbol 5 then opens a fresh
	// slot that never completes.
	feed := []int{1, 2, 3, K, K + 1}
	for _, idx := range feed {
		d.HandlePacket(buildPacket(0, 42, idx, data[idx]))
	}

	if len(delivered) != 1 {
		t.Fatalf("delivered %d blocks, want 1", len(delivered))
	}
	want := bytes.Join(data[:K], nil)
	if !bytes.Equal(delivered[0], want) {
		t.Fatalf("reconstructed payload mismatch:\ngot  %v\nwant %v", delivered[0], want)
	}
}
