// Command-level orchestration for the receive-side audio pipeline:
// Receiver wires together the multi-endpoint transport, demux/FEC,
// framer, decoder, syncer, and output bridge into a thin struct that owns
// each subsystem and starts/stops them as a unit, with no business logic
// of its own beyond the wiring and the slow fill-feedback task.
package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/elimau/waterslide/internal/config"
	"github.com/elimau/waterslide/internal/decoder"
	"github.com/elimau/waterslide/internal/demux"
	"github.com/elimau/waterslide/internal/framer"
	"github.com/elimau/waterslide/internal/output"
	"github.com/elimau/waterslide/internal/ring"
	"github.com/elimau/waterslide/internal/stats"
	"github.com/elimau/waterslide/internal/syncer"
	"github.com/elimau/waterslide/internal/transport"
)

// fillObserveInterval is the period of the syncer's slow task, which reads
// the output bridge's raw ring-fill gauge and runs one PI controller step.
const fillObserveInterval = 20 * time.Millisecond

// audioChannelID is this core's one registered demux channel.
const audioChannelID = 0

// Receiver owns every subsystem of the receive-side pipeline and their
// combined lifecycle.
type Receiver struct {
	reg   *stats.Registry
	tr    *transport.Transport
	dmx   *demux.Demux
	fr    *framer.Framer
	dec   decoder.Decoder
	sync  *syncer.Syncer
	bridge *output.Bridge
	ring  *ring.Ring

	channels  int
	frameSize int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds every subsystem from cfg but does not yet open sockets or the
// audio device; call Run to start.
func New(cfg *config.Config) (*Receiver, error) {
	channels := cfg.Audio.NetworkChannelCount
	reg := stats.NewRegistry(cfg.Endpoints.EndpointCount)

	var fin float64
	var frameSize int
	var dec decoder.Decoder
	var maxPacketSize int

	switch cfg.Audio.Encoding {
	case config.EncodingOpus:
		fin = config.AudioOpusSampleRate
		frameSize = cfg.Opus.FrameSize
		maxPacketSize = cfg.Opus.MaxPacketSize
		od, err := decoder.NewOpusDecoder(config.AudioOpusSampleRate, channels, frameSize, &reg.Ch1)
		if err != nil {
			return nil, fmt.Errorf("receiver: opus decoder: %w", err)
		}
		dec = od
	case config.EncodingPCM:
		fin = float64(cfg.PCM.SampleRate)
		frameSize = cfg.PCM.FrameSize
		maxPacketSize = 2 + 3*channels*frameSize + 2 // framed PCM packet size, see internal/decoder
		dec = decoder.NewPCMDecoder(channels, frameSize, &reg.Ch1)
	default:
		return nil, fmt.Errorf("receiver: unknown audio encoding %q", cfg.Audio.Encoding)
	}

	ringLen := cfg.Opus.DecodeRingLength
	if cfg.Audio.Encoding == config.EncodingPCM {
		ringLen = cfg.PCM.DecodeRingLength
	}
	r := ring.New(ringLen * channels)

	sy, err := syncer.New(channels, fin, float64(cfg.Audio.IOSampleRate), r, &reg.Ch1Sync)
	if err != nil {
		return nil, fmt.Errorf("receiver: syncer: %w", err)
	}

	pcmBuf := make([]float32, channels*frameSize)
	onPacket := func(packet []byte) {
		n, err := dec.Decode(packet, pcmBuf)
		if err != nil || n == 0 {
			return
		}
		// EnqueueBuf itself stalls until the ring drains to <= R/2 on
		// OVERRUN (spec.md §4.G/§7) rather than dropping the block, so no
		// recovery is needed here; only a resample failure is reported.
		if err := sy.EnqueueBuf(pcmBuf, frameSize); err != nil {
			log.Printf("[receiver] syncer: %v", err)
		}
	}

	fr := framer.New(maxPacketSize, onPacket)

	dmx := demux.New(&reg.Ch1)
	if err := dmx.Register(demux.Channel{
		ID:      audioChannelID,
		K:       cfg.FEC.SourceSymbolsPerBlock,
		L:       cfg.FEC.SymbolLen,
		Parity:  cfg.EffectiveParity(),
		OnBlock: func(payload []byte, _ uint8) { fr.Feed(payload) },
		OnReset: fr.Reset,
	}); err != nil {
		return nil, fmt.Errorf("receiver: register channel: %w", err)
	}

	privateKey, err := cfg.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	peerPublicKey, err := cfg.PeerPublicKey()
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	endpoints := make([]transport.Endpoint, len(cfg.Endpoints.Endpoints))
	for i, ep := range cfg.Endpoints.Endpoints {
		endpoints[i] = transport.Endpoint{Interface: ep.Interface}
	}
	tr, err := transport.Init(endpoints, privateKey, peerPublicKey, reg.Endpoints, func(payload []byte, _ int) {
		dmx.HandlePacket(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("receiver: transport: %w", err)
	}

	bridge := output.Init(r, channels, &reg.Ch1Audio)

	return &Receiver{
		reg: reg, tr: tr, dmx: dmx, fr: fr, dec: dec, sync: sy, bridge: bridge, ring: r,
		channels: channels, frameSize: frameSize,
	}, nil
}

// Run opens the audio device and starts every subsystem thread, blocking
// until ctx is cancelled or the audio device fails to start.
func (rcv *Receiver) Run(ctx context.Context, deviceName string, ioSampleRate float64, deviceFrameSize int) error {
	if err := rcv.bridge.Start(deviceName, ioSampleRate, deviceFrameSize); err != nil {
		return fmt.Errorf("receiver: start output: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rcv.cancel = cancel

	rcv.wg.Add(1)
	go func() {
		defer rcv.wg.Done()
		rcv.tr.Run(runCtx)
	}()

	rcv.wg.Add(1)
	go func() {
		defer rcv.wg.Done()
		if err := rcv.bridge.Run(runCtx); err != nil {
			log.Printf("[receiver] output bridge stopped: %v", err)
		}
	}()

	rcv.wg.Add(1)
	go func() {
		defer rcv.wg.Done()
		rcv.fillObserveLoop(runCtx)
	}()

	<-runCtx.Done()
	return nil
}

// fillObserveLoop is the syncer's slow task: it reads the output bridge's
// raw ring-fill gauge (published every callback into stats) and runs one
// PI controller step.
func (rcv *Receiver) fillObserveLoop(ctx context.Context) {
	ticker := time.NewTicker(fillObserveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fill := int(rcv.reg.Ch1Audio.StreamBufferPos.Load())
			rcv.sync.ObserveFill(fill)
		}
	}
}

// Close performs a best-effort shutdown: cancels the run context, tears
// down the transport and output device, and releases the syncer's SRC
// resources, without waiting beyond a bounded grace period for OS-blocked
// goroutines.
func (rcv *Receiver) Close() {
	if rcv.cancel != nil {
		rcv.cancel()
	}
	rcv.tr.Close()
	if err := rcv.bridge.Stop(); err != nil {
		log.Printf("[receiver] stop output: %v", err)
	}
	if err := rcv.sync.Close(); err != nil {
		log.Printf("[receiver] close syncer: %v", err)
	}

	done := make(chan struct{})
	go func() {
		rcv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Printf("[receiver] shutdown grace period elapsed, some threads still blocked")
	}
}
