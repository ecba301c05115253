// Package stats is the process-wide, lock-free counters and gauges shared
// between the network threads, the decode/syncer pipeline, and the
// realtime audio callback.
//
// Every field is an individually atomic scalar or an array of atomic
// scalars (see [Registry]); there are no locks, so the audio callback can
// read and write it without risking an allocation or a blocking wait. A
// reader may observe one field updated and a sibling field not yet updated
// — the registry promises no torn individual scalar, not a consistent
// cross-field snapshot.
//
// Grounded on the teacher's own style of using per-field atomic.Bool /
// atomic.Uint64 / atomic.Int32 members (see the original AudioEngine and
// Transport structs) generalised into one process-wide schema, per the
// design note that the stats table remains process-global for cross-thread
// visibility and the no-allocation constraint on the audio callback.
package stats

import (
	"math"
	"sync/atomic"
)

// meterBins is the number of buckets in the stream level-meter histogram.
const meterBins = 16

// timingRingLen is the number of recent callback-to-callback intervals kept
// for the jitter histogram in blockTimingRing.
const timingRingLen = 64

// Channel holds the per-channel (in this core: the single "audio" channel)
// counters described in spec.md §4.D/§4.E/§4.F.
type Channel struct {
	DupBlockCount   atomic.Uint64
	OOOBlockCount   atomic.Uint64
	CodecErrorCount atomic.Uint64
	CRCFailCount    atomic.Uint64
	BlocksDelivered atomic.Uint64

	// streamMeterBins is a coarse histogram of decoded-frame RMS level,
	// indexed by quantising RMS in [0,1) into meterBins buckets.
	streamMeterBins [meterBins]atomic.Uint64
}

// AddMeterSample buckets an RMS sample (expected in [0,1]) into the
// channel's level-meter histogram.
func (c *Channel) AddMeterSample(rms float32) {
	if rms < 0 {
		rms = 0
	}
	if rms >= 1 {
		rms = 0.999999
	}
	idx := int(rms * meterBins)
	c.streamMeterBins[idx].Add(1)
}

// MeterBins returns a snapshot of the level-meter histogram.
func (c *Channel) MeterBins() [meterBins]uint64 {
	var out [meterBins]uint64
	for i := range out {
		out[i] = c.streamMeterBins[i].Load()
	}
	return out
}

// Endpoint holds the per-path counters described in spec.md §3 EndpointState.
type Endpoint struct {
	BytesIn        atomic.Uint64
	BytesOut       atomic.Uint64
	Open           atomic.Bool
	SendCongested  atomic.Bool
	LastChannelSBN atomic.Uint32 // stores uint8 SBN widened for atomicity
}

// Audio holds the output-bridge counters described in spec.md §4.H.
type Audio struct {
	BufferUnderrunCount atomic.Uint64
	AudioLoopXrunCount  atomic.Uint64
	// StreamBufferPos is the most recent ring Size() observed by the audio
	// callback; read by the syncer's feedback loop.
	StreamBufferPos atomic.Uint64

	// blockTimingRing is a ring of inter-callback interval samples in
	// microseconds, for a jitter histogram; timingHead is the next slot to
	// write (mod timingRingLen).
	blockTimingRing [timingRingLen]atomic.Uint64
	timingHead      atomic.Uint64
}

// RecordCallbackInterval stores one inter-callback interval (microseconds)
// into the timing ring.
func (a *Audio) RecordCallbackInterval(us uint64) {
	idx := a.timingHead.Add(1) - 1
	a.blockTimingRing[idx%timingRingLen].Store(us)
}

// TimingRing returns a snapshot of the callback interval histogram.
func (a *Audio) TimingRing() [timingRingLen]uint64 {
	var out [timingRingLen]uint64
	for i := range out {
		out[i] = a.blockTimingRing[i].Load()
	}
	return out
}

// Syncer holds the gauges the syncer's feedback loop publishes, described
// in spec.md §4.G / §9.
type Syncer struct {
	// filteredFill and currentRatio store float64 bit patterns; there is no
	// atomic float64 in this Go version, so the bit-pattern trick used
	// elsewhere in the teacher (AudioEngine.notifScale) is reused here.
	filteredFill atomic.Uint64
	currentRatio atomic.Uint64
	overrunCount atomic.Uint64
}

// SetFilteredFill stores the EWMA-filtered ring fill level (in samples).
func (s *Syncer) SetFilteredFill(v float64) { s.filteredFill.Store(math.Float64bits(v)) }

// FilteredFill loads the EWMA-filtered ring fill level.
func (s *Syncer) FilteredFill() float64 { return math.Float64frombits(s.filteredFill.Load()) }

// SetCurrentRatio stores the syncer's current Fin/Fout resampling ratio.
func (s *Syncer) SetCurrentRatio(v float64) { s.currentRatio.Store(math.Float64bits(v)) }

// CurrentRatio loads the syncer's current resampling ratio.
func (s *Syncer) CurrentRatio() float64 { return math.Float64frombits(s.currentRatio.Load()) }

// AddOverrun increments the ring-overrun counter (OVERRUN backpressure
// events, spec.md §4.G / §7).
func (s *Syncer) AddOverrun() { s.overrunCount.Add(1) }

// OverrunCount returns the number of OVERRUN backpressure events observed.
func (s *Syncer) OverrunCount() uint64 { return s.overrunCount.Load() }

// Registry is the fixed schema of process-wide counters and gauges. The
// zero value is fully usable (all atomics start at zero) — there is no
// explicit init step beyond declaring the global below, matching spec.md
// §4.B's "init that zeros all fields" (Go's zero value already satisfies
// that).
type Registry struct {
	Ch1      Channel
	Ch1Audio Audio
	Ch1Sync  Syncer
	Endpoints []Endpoint
}

// NewRegistry returns a Registry sized for n endpoints.
func NewRegistry(n int) *Registry {
	return &Registry{Endpoints: make([]Endpoint, n)}
}

// Global is the process-wide stats registry used when no per-test Registry
// is threaded through explicitly. Production wiring (see receiver.go) does
// not use it: it builds its own registry with NewRegistry, sized to the
// configured endpoint count. Global exists so leaf packages that only need "some registry" in tests
// are not forced to plumb one through.
var Global = NewRegistry(0)
