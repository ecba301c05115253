package stats

import "testing"

func TestChannelMeterBins(t *testing.T) {
	var c Channel
	c.AddMeterSample(0.05)
	c.AddMeterSample(0.05)
	c.AddMeterSample(0.99)
	bins := c.MeterBins()
	if bins[0] != 2 {
		t.Fatalf("bins[0] = %d, want 2", bins[0])
	}
	if bins[meterBins-1] != 1 {
		t.Fatalf("bins[last] = %d, want 1", bins[meterBins-1])
	}
}

func TestSyncerFloatBitsRoundTrip(t *testing.T) {
	var s Syncer
	s.SetFilteredFill(123.456)
	if got := s.FilteredFill(); got != 123.456 {
		t.Fatalf("FilteredFill() = %v, want 123.456", got)
	}
	s.SetCurrentRatio(1.0000104)
	if got := s.CurrentRatio(); got != 1.0000104 {
		t.Fatalf("CurrentRatio() = %v, want 1.0000104", got)
	}
}

func TestAudioTimingRingWraps(t *testing.T) {
	var a Audio
	for i := 0; i < timingRingLen+5; i++ {
		a.RecordCallbackInterval(uint64(i))
	}
	ring := a.TimingRing()
	// After wrapping, every slot should hold a value from the last
	// timingRingLen writes, i.e. >= 5.
	for _, v := range ring {
		if v < 5 {
			t.Fatalf("stale value %d found after wraparound", v)
		}
	}
}

func TestNewRegistrySizesEndpoints(t *testing.T) {
	r := NewRegistry(3)
	if len(r.Endpoints) != 3 {
		t.Fatalf("len(Endpoints) = %d, want 3", len(r.Endpoints))
	}
}
