// Package output implements the realtime audio output bridge: it drains
// the syncer's ring into the audio device on every buffer cycle, padding
// with silence on underrun and publishing the telemetry the syncer's
// closed-loop controller depends on.
//
// Uses the standard gordonklaus/portaudio blocking-stream idiom
// (OpenStream with an owned buffer, then Write() once per cycle), and
// checks the stop channel before every write cycle. There is one
// already-synchronized single-channel sample ring to drain here, not
// multiple per-sender streams to mix.
package output

import (
	"context"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/elimau/waterslide/internal/ring"
	"github.com/elimau/waterslide/internal/stats"
)

// Bridge owns the output audio device stream and drains r into it.
type Bridge struct {
	stream   *portaudio.Stream
	buf      []float32
	channels int
	r        *ring.Ring
	audio    *stats.Audio
	lastCallback time.Time
}

// Init records the ring reference and logical size. The ring must already
// be pre-filled (syncer.New does this) before Start is called.
func Init(r *ring.Ring, channels int, audio *stats.Audio) *Bridge {
	return &Bridge{r: r, channels: channels, audio: audio}
}

// resolveDevice picks dev by name, falling back to the system default
// output device when name is empty.
func resolveDevice(devices []*portaudio.DeviceInfo, name string, fallback *portaudio.DeviceInfo) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if fallback == nil {
			return nil, fmt.Errorf("output: no default output device available")
		}
		return fallback, nil
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("output: device %q not found", name)
}

// Start opens deviceName (or the system default, if empty) and begins the
// callback stream. frameSize is the number of frames per buffer cycle.
func (b *Bridge) Start(deviceName string, sampleRate float64, frameSize int) error {
	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("output: enumerate devices: %w", err)
	}
	dev, err := resolveDevice(devices, deviceName, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	b.buf = make([]float32, frameSize*b.channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: b.channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, b.buf)
	if err != nil {
		return fmt.Errorf("output: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("output: start stream: %w", err)
	}
	b.stream = stream
	return nil
}

// Run drives the device callback loop until ctx is cancelled. Each cycle:
// samples the ring's pre-drain size into streamBufferPos (the syncer's
// feedback input), dequeues frameCount*channels samples (padding with
// zeros and bumping bufferUnderrunCount on shortfall), writes the buffer,
// and records a device-reported xrun if Write signals one.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fillBeforeDrain := b.r.Size()
		now := time.Now()
		if b.audio != nil {
			b.audio.StreamBufferPos.Store(uint64(fillBeforeDrain))
			if !b.lastCallback.IsZero() {
				b.audio.RecordCallbackInterval(uint64(now.Sub(b.lastCallback).Microseconds()))
			}
		}
		b.lastCallback = now

		want := len(b.buf)
		have := fillBeforeDrain
		if have > want {
			have = want
		}
		for i := 0; i < have; i++ {
			b.buf[i] = b.r.Dequeue()
		}
		for i := have; i < want; i++ {
			b.buf[i] = 0
		}
		if deficit := want - have; deficit > 0 && b.audio != nil {
			b.audio.BufferUnderrunCount.Add(1)
		}

		if err := b.stream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				if b.audio != nil {
					b.audio.AudioLoopXrunCount.Add(1)
				}
				continue
			}
			return fmt.Errorf("output: stream write: %w", err)
		}
	}
}

// Stop stops and closes the device stream.
func (b *Bridge) Stop() error {
	if b.stream == nil {
		return nil
	}
	if err := b.stream.Stop(); err != nil {
		b.stream.Close()
		return err
	}
	return b.stream.Close()
}
