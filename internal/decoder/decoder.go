// Package decoder implements the two codec variants of spec.md §4.F: Opus
// multistream decode (grounded on the teacher's playbackLoop use of
// gopkg.in/hraban/opus.v2 in the now-removed audio.go) and a framed PCM
// decoder with a trailing CRC-16/CCITT check, grounded on the Hamming/FCS
// trailing-CRC convention in doismellburning-samoyed's il2p_crc.go (the
// same "decode, then verify a trailing CRC, drop the frame on mismatch"
// idiom, generalised here from IL2P frames to raw PCM blocks).
package decoder

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/elimau/waterslide/internal/stats"
)

// Decoder turns one codec packet (as delivered by the framer) into a block
// of interleaved float32 samples. Implementations never allocate on the
// steady-state decode path beyond what the underlying codec library itself
// allocates.
type Decoder interface {
	// Decode decodes packet into out, returning the number of interleaved
	// samples written (frameCount*channels). A dropped/invalid packet
	// returns 0 and no error — the stats counter has already been bumped.
	Decode(packet []byte, out []float32) (int, error)
}

// OpusDecoder wraps a multistream Opus decoder, matching the channel count
// and nominal frame size negotiated at startup.
type OpusDecoder struct {
	dec       *opus.Decoder
	channels  int
	frameSize int // audioFrameSize, in samples per channel
	ch        *stats.Channel
}

// NewOpusDecoder constructs a decoder for the given sample rate and channel
// count; frameSize is the expected per-channel sample count of every
// decoded packet (spec.md §4.F).
func NewOpusDecoder(sampleRate, channels, frameSize int, ch *stats.Channel) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("decoder: opus: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels, frameSize: frameSize, ch: ch}, nil
}

// Decode implements Decoder. pcm must have capacity for at least
// channels*frameSize float32 samples. The teacher's encoder/decoder pair
// used the int16 Decode variant (its ring stored int16 PCM); this core's
// ring is float32 end to end, so DecodeFloat32 — the same library's
// float-native entry point — is used instead.
func (d *OpusDecoder) Decode(packet []byte, pcm []float32) (int, error) {
	n, err := d.dec.DecodeFloat32(packet, pcm)
	if err != nil {
		if d.ch != nil {
			d.ch.CodecErrorCount.Add(1)
		}
		return 0, nil
	}
	if n != d.frameSize {
		if d.ch != nil {
			d.ch.CodecErrorCount.Add(1)
		}
		return 0, nil
	}
	return n * d.channels, nil
}

// pcmHeaderLen is the per-packet frame-count prefix: one little-endian
// uint16 giving the number of per-channel sample frames that follow.
const pcmHeaderLen = 2

// crcLen is the trailing CRC-16/CCITT appended after the sample payload.
const crcLen = 2

// PCMDecoder decodes a framed raw-PCM packet: [uint16 frameCount][24-bit
// samples, channels interleaved][uint16 CRC-16/CCITT over everything before
// it]. 24-bit samples are big-endian signed, matching the wire convention
// named in spec.md §4.F ("24-bit->float converted samples").
type PCMDecoder struct {
	channels  int
	frameSize int
	ch        *stats.Channel
}

// NewPCMDecoder constructs a PCM decoder for the given channel count and
// expected per-channel frame size.
func NewPCMDecoder(channels, frameSize int, ch *stats.Channel) *PCMDecoder {
	return &PCMDecoder{channels: channels, frameSize: frameSize, ch: ch}
}

// Decode implements Decoder.
func (d *PCMDecoder) Decode(packet []byte, out []float32) (int, error) {
	sampleBytes := 3 * d.channels * d.frameSize
	want := pcmHeaderLen + sampleBytes + crcLen
	if len(packet) != want {
		if d.ch != nil {
			d.ch.CRCFailCount.Add(1)
		}
		return 0, nil
	}

	body := packet[:pcmHeaderLen+sampleBytes]
	gotCRC := uint16(packet[len(packet)-2])<<8 | uint16(packet[len(packet)-1])
	if crc16CCITT(body) != gotCRC {
		if d.ch != nil {
			d.ch.CRCFailCount.Add(1)
		}
		return 0, nil
	}

	frameCount := int(uint16(body[0])<<8 | uint16(body[1]))
	if frameCount != d.frameSize {
		if d.ch != nil {
			d.ch.CRCFailCount.Add(1)
		}
		return 0, nil
	}

	samples := body[pcmHeaderLen:]
	n := d.channels * d.frameSize
	for i := 0; i < n; i++ {
		off := i * 3
		v := int32(samples[off])<<16 | int32(samples[off+1])<<8 | int32(samples[off+2])
		if v&0x800000 != 0 {
			v |= ^int32(0xFFFFFF) // sign-extend 24-bit into int32
		}
		out[i] = float32(v) / 8388608.0 // 2^23
	}
	return n, nil
}

// crc16Table is the standard CRC-16/CCITT-FALSE table (polynomial 0x1021),
// the same trailing-frame-check convention used by doismellburning-samoyed's
// AX.25/IL2P FCS.
var crc16Table = func() [256]uint16 {
	var t [256]uint16
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}
