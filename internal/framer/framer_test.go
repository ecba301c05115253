package framer

import (
	"bytes"
	"math/rand"
	"testing"
)

func collect(t *testing.T, f *Framer, maxLen int, onPacket func(p []byte)) *Framer {
	t.Helper()
	return New(maxLen, onPacket)
}

func TestSlipRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{END},
		{ESC},
		{END, ESC, END, ESC},
		bytes.Repeat([]byte{0xFF}, 100),
	}

	for _, p := range cases {
		var got [][]byte
		f := New(4096, func(packet []byte) {
			cp := append([]byte(nil), packet...)
			got = append(got, cp)
		})
		encoded := append(Encode(p), END) // the spec's test calls for an extra trailing END
		f.Feed(encoded)
		if len(got) != 1 {
			t.Fatalf("Feed(Encode(%v)++[END]) delivered %d packets, want 1", p, len(got))
		}
		if !bytes.Equal(got[0], p) {
			t.Fatalf("round trip mismatch: got %v, want %v", got[0], p)
		}
	}
}

func TestSlipRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := rng.Intn(64)
		p := make([]byte, n)
		rng.Read(p)

		var got [][]byte
		f := New(4096, func(packet []byte) {
			got = append(got, append([]byte(nil), packet...))
		})
		f.Feed(Encode(p))
		if len(got) != 1 || !bytes.Equal(got[0], p) {
			t.Fatalf("round trip failed for %v: got %v", p, got)
		}
	}
}

func TestInvalidEscapeAbandonsPacket(t *testing.T) {
	var delivered int
	f := New(4096, func(packet []byte) { delivered++ })
	f.Feed([]byte{0x01, 0x02, ESC, 0xAA, END}) // 0xAA is not a valid escape target
	if delivered != 0 {
		t.Fatalf("delivered %d packets, want 0 (invalid escape must abandon)", delivered)
	}

	// The next well-formed packet after an abandoned one must still be
	// delivered correctly.
	f.Feed([]byte{0x03, 0x04, END})
	if delivered != 1 {
		t.Fatalf("delivered %d packets after recovery, want 1", delivered)
	}
}

func TestOverflowAbandonsPacket(t *testing.T) {
	var got [][]byte
	f := New(4, func(packet []byte) { got = append(got, packet) })
	f.Feed([]byte{1, 2, 3, 4, 5, END}) // 5 bytes > max of 4
	if len(got) != 0 {
		t.Fatalf("delivered %d packets, want 0 after overflow", len(got))
	}
}

func TestResetAbandonsInProgressPacket(t *testing.T) {
	var got [][]byte
	f := New(4096, func(packet []byte) { got = append(got, packet) })
	f.Feed([]byte{1, 2, 3}) // no END yet
	f.Reset()
	f.Feed([]byte{4, 5, END})
	if len(got) != 1 || !bytes.Equal(got[0], []byte{4, 5}) {
		t.Fatalf("got %v, want one packet {4,5}", got)
	}
}

func TestEmptyFramesAreNotDelivered(t *testing.T) {
	var delivered int
	f := New(4096, func(packet []byte) { delivered++ })
	f.Feed([]byte{END, END, END})
	if delivered != 0 {
		t.Fatalf("delivered %d packets for back-to-back delimiters, want 0", delivered)
	}
}
