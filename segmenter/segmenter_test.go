package segmenter

import (
	"math"
	"reflect"
	"testing"
)

func defaultParams() Params {
	return Params{MaxWindow: 170, Speed: 1.25, MinDuration: 30}
}

func TestPlanThreeFullSegments(t *testing.T) {
	// 400s -> raw windows [170, 170, 60] -> produced [136, 136, 48], all >= 30.
	segs := Plan("vid-1", 400, defaultParams())
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	wantWindows := []float64{170, 170, 60}
	wantProduced := []float64{136, 136, 48}
	for i, s := range segs {
		if math.Abs(s.Window()-wantWindows[i]) > 1e-6 {
			t.Errorf("segment %d window = %v, want %v", i, s.Window(), wantWindows[i])
		}
		if math.Abs(s.PlannedDuration()-wantProduced[i]) > 1e-6 {
			t.Errorf("segment %d produced = %v, want %v", i, s.PlannedDuration(), wantProduced[i])
		}
	}
}

func TestPlanMergesShortTrailer(t *testing.T) {
	// 185s -> raw windows [170, 15] -> produced [136, 12]; 12 < 30, so the
	// trailer merges backward into one segment covering the full input.
	segs := Plan("vid-2", 185, defaultParams())
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Start != 0 || math.Abs(segs[0].End-185) > 1e-6 {
		t.Errorf("merged segment spans [%v, %v), want [0, 185)", segs[0].Start, segs[0].End)
	}
}

func TestPlanShortSourceBypassesMinimum(t *testing.T) {
	// Shorter than MinDuration: one segment spanning the whole input,
	// even though its produced duration is below the minimum.
	segs := Plan("vid-3", 20, defaultParams())
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Start != 0 || segs[0].End != 20 {
		t.Errorf("segment spans [%v, %v), want [0, 20)", segs[0].Start, segs[0].End)
	}
	if segs[0].PlannedDuration() >= 30 {
		t.Errorf("produced duration %v should be below the minimum in this edge case", segs[0].PlannedDuration())
	}
}

func TestPlanPartitionsContiguously(t *testing.T) {
	p := defaultParams()
	for _, duration := range []float64{1, 29.9, 30, 170, 170.5, 185, 200, 340, 400, 3599.9} {
		segs := Plan("vid", duration, p)
		if len(segs) == 0 {
			t.Fatalf("duration %v: empty plan", duration)
		}
		if segs[0].Start != 0 {
			t.Errorf("duration %v: first segment starts at %v", duration, segs[0].Start)
		}
		for i := 1; i < len(segs); i++ {
			if segs[i].Index != i {
				t.Errorf("duration %v: segment %d has index %d", duration, i, segs[i].Index)
			}
			if math.Abs(segs[i].Start-segs[i-1].End) > 1e-6 {
				t.Errorf("duration %v: gap between segment %d and %d", duration, i-1, i)
			}
		}
		last := segs[len(segs)-1]
		if math.Abs(last.End-duration) > 1e-6 {
			t.Errorf("duration %v: plan ends at %v", duration, last.End)
		}
		for i, s := range segs {
			sole := len(segs) == 1
			if !sole && s.PlannedDuration() < p.MinDuration-1e-6 {
				t.Errorf("duration %v: segment %d produced %v below minimum", duration, i, s.PlannedDuration())
			}
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	p := defaultParams()
	a := Plan("vid", 1234.56, p)
	b := Plan("vid", 1234.56, p)
	if !reflect.DeepEqual(a, b) {
		t.Error("identical inputs should yield identical plans")
	}
}

func TestPlanDegenerateInputs(t *testing.T) {
	if segs := Plan("vid", 0, defaultParams()); segs != nil {
		t.Errorf("zero duration should yield nil, got %v", segs)
	}
	if segs := Plan("vid", -5, defaultParams()); segs != nil {
		t.Errorf("negative duration should yield nil, got %v", segs)
	}
	if segs := Plan("vid", 100, Params{}); segs != nil {
		t.Errorf("zero params should yield nil, got %v", segs)
	}
}
