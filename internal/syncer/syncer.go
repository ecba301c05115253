// Package syncer implements the per-channel asynchronous sample-rate
// converter and clock-drift feedback loop of spec.md §4.G: it resamples
// decoded audio from the sender's nominal rate to the local device rate and
// continuously retunes the conversion ratio so the downstream ring's fill
// level tends toward half its capacity.
//
// The EWMA smoothing and clamped step-adjustment idiom is grounded on the
// teacher's internal/adapt package (SmoothLoss, TargetJitterDepth), which
// applies the same "smooth a noisy measurement, then make a bounded
// adjustment" shape to bitrate/jitter-depth adaptation; here it drives a
// continuous resample-ratio correction instead of a discrete ladder step.
// The SRC engine itself is github.com/dh1tw/gosamplerate, a cgo binding to
// libsamplerate providing the "async polyphase, sub-sample phase" contract
// spec.md §4.G calls for — no example repo in the pack ships a resampler,
// so this dependency is named rather than corpus-grounded (see DESIGN.md).
package syncer

import (
	"fmt"
	"sync"
	"time"

	"github.com/dh1tw/gosamplerate"

	"github.com/elimau/waterslide/internal/ring"
	"github.com/elimau/waterslide/internal/stats"
)

// stallPollInterval is how often EnqueueBuf rechecks ring fill while
// stalled on an OVERRUN condition.
const stallPollInterval = 2 * time.Millisecond

// OverrunErr identifies the backpressure condition spec.md §4.G calls
// OVERRUN (-2): the ring cannot absorb the resampled output without
// exceeding its capacity. EnqueueBuf does not return it to the caller —
// per §4.G and §7 it stalls internally until the ring drains to <= R/2,
// then enqueues — but each occurrence is recorded via the Syncer stats'
// overrun counter.
var OverrunErr = fmt.Errorf("syncer: ring overrun")

// PI controller gains and clamp, per SPEC_FULL.md §4.G: the corrected
// input rate stays within ±1e-3 (1000 ppm) of the nominal input rate.
const (
	piKp      = 2e-4
	piKi      = 5e-6
	maxOffset = 1e-3 // |u| <= this
)

// ewmaAlpha weights new ring-fill samples the same way the teacher's
// SmoothLoss weights new loss samples.
const ewmaAlpha = 0.1

// Syncer owns one channel's SRC state, PI controller, and output ring.
type Syncer struct {
	mu  sync.Mutex
	src gosamplerate.Src

	channels int
	fin      float64 // current (corrected) input rate
	fout     float64 // fixed local device rate
	ratio    float64 // fout/fin, updated by changeRate

	// nominalFin is the input rate given to New; ObserveFill corrects
	// around it.
	nominalFin float64

	r *ring.Ring

	filteredFill float64
	haveFill     bool
	integral     float64

	st *stats.Syncer
}

// New creates a Syncer for the given channel count, initial input rate
// fin, and fixed output rate fout, writing resampled, interleaved samples
// into r. st receives the filtered-fill/ratio/overrun telemetry (spec.md
// §4.G closed-loop controller).
func New(channels int, fin, fout float64, r *ring.Ring, st *stats.Syncer) (*Syncer, error) {
	src, err := gosamplerate.New(gosamplerate.SRC_SINC_MEDIUM_QUALITY, channels, 4096)
	if err != nil {
		return nil, fmt.Errorf("syncer: init SRC: %w", err)
	}
	s := &Syncer{
		src:      src,
		channels: channels,
		fin:      fin,
		fout:     fout,
		ratio:    fout / fin,
		r:        r,
		st:       st,
	}
	s.nominalFin = fin
	s.prefill()
	return s, nil
}

// prefill pushes R/2 samples of silence into the ring before the audio
// device starts, per spec.md §4.G startup behaviour.
func (s *Syncer) prefill() {
	half := s.r.Capacity() / 2
	for i := 0; i < half; i++ {
		s.r.Enqueue(0)
	}
}

// ChangeRate atomically updates the target input rate so the SRC smoothly
// retunes (spec.md §4.G: changeRate(newFin)).
func (s *Syncer) ChangeRate(newFin float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newFin <= 0 {
		return
	}
	s.fin = newFin
	s.ratio = s.fout / s.fin
}

// EnqueueBuf resamples samples (frameCount*channels interleaved values at
// the current input rate) and enqueues the result into the ring. If the
// ring cannot absorb the output without overflowing (OVERRUN, spec.md
// §4.G), EnqueueBuf blocks, polling at stallPollInterval, until the output
// bridge's concurrent Dequeue calls have drained the ring to <= R/2, then
// enqueues — it never drops the block and never returns OverrunErr, since
// §4.G and §7 both specify backpressure, not silent loss. Only a resample
// failure (not an overrun) is reported as an error.
func (s *Syncer) EnqueueBuf(samples []float32, frameCount int) error {
	s.mu.Lock()
	ratio := s.ratio
	s.mu.Unlock()

	out, err := s.src.Process(samples[:frameCount*s.channels], ratio, false)
	if err != nil {
		return fmt.Errorf("syncer: SRC process: %w", err)
	}
	s.enqueueOut(out)
	return nil
}

// enqueueOut pushes already-resampled samples into the ring, stalling on
// OVERRUN per spec.md §4.G/§7 (see EnqueueBuf). Split out from EnqueueBuf
// so the stall/drain behaviour can be tested without depending on the SRC
// engine's exact output length for a given input.
func (s *Syncer) enqueueOut(out []float32) {
	if s.r.Size()+len(out) > s.r.Capacity() {
		if s.st != nil {
			s.st.AddOverrun()
		}
		half := s.r.Capacity() / 2
		for s.r.Size() > half {
			time.Sleep(stallPollInterval)
		}
	}
	for _, v := range out {
		s.r.Enqueue(v)
	}
}

// ObserveFill feeds one consumer-side ring-fill measurement (spec.md §4.H:
// "updated by 4.H on every callback") into the EWMA filter and runs one
// step of the PI controller, calling ChangeRate with the corrected input
// rate.
func (s *Syncer) ObserveFill(fill int) {
	s.mu.Lock()
	target := float64(s.r.Capacity()) / 2
	fv := float64(fill)

	if !s.haveFill {
		s.filteredFill = fv
		s.haveFill = true
	} else {
		s.filteredFill = ewmaAlpha*fv + (1-ewmaAlpha)*s.filteredFill
	}

	e := s.filteredFill - target
	s.integral += e
	u := piKp*e + piKi*s.integral
	if u > maxOffset {
		u = maxOffset
	} else if u < -maxOffset {
		u = -maxOffset
	}

	fin := s.fin
	nominal := s.nominalFin
	s.mu.Unlock()

	if s.st != nil {
		s.st.SetFilteredFill(s.filteredFill)
		s.st.SetCurrentRatio(fin / s.fout)
	}
	s.ChangeRate(nominal * (1 + u))
}

// Close releases the underlying SRC resources.
func (s *Syncer) Close() error {
	return s.src.Destroy()
}
