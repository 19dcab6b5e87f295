package mot

import (
	"math"
	"testing"
)

func TestMatcherPrefersHighestIoU(t *testing.T) {
	// IoU(A, D) = 0.6 and IoU(B, D) = 0.3 for D = (0, 0, 10, 10)
	trackA := Track{ID: 1, Box: NewBBox(0, 0, 10, 6)}
	trackB := Track{ID: 2, Box: NewBBox(0, 0, 10, 3)}
	det := NewDetection(0, 0, 10, 10, 0.9)

	for _, algo := range []MatchingAlgorithm{MatchingAlgorithmGreedy, MatchingAlgorithmHungarian} {
		result := NewMatcher(0.5, algo).Match([]Detection{det}, []Track{trackB, trackA})
		if len(result.Assignments) != 1 {
			t.Fatalf("%s: expected 1 assignment, got %d", algo, len(result.Assignments))
		}
		a := result.Assignments[0]
		if a.TrackID != trackA.ID {
			t.Errorf("%s: detection should match track %d, got %d", algo, trackA.ID, a.TrackID)
		}
		if a.IoU < 0.6-eps || a.IoU > 0.6+eps {
			t.Errorf("%s: expected IoU 0.6, got %f", algo, a.IoU)
		}
		if len(result.Unmatched) != 0 {
			t.Errorf("%s: expected no unmatched detections, got %d", algo, len(result.Unmatched))
		}
	}
}

func TestMatcherThresholdIsStrict(t *testing.T) {
	// IoU is exactly 0.5
	track := Track{ID: 7, Box: NewBBox(0, 0, 10, 5)}
	det := NewDetection(0, 0, 10, 10, 0.8)
	result := NewDefaultMatcher().Match([]Detection{det}, []Track{track})
	if len(result.Assignments) != 0 {
		t.Errorf("IoU equal to threshold should not match: %+v", result.Assignments)
	}
	if len(result.Unmatched) != 1 || result.Unmatched[0] != det {
		t.Errorf("Detection should be unmatched, got %+v", result.Unmatched)
	}
}

func TestMatcherNoTracks(t *testing.T) {
	dets := []Detection{
		NewDetection(0, 0, 10, 10, 0.9),
		NewDetection(50, 50, 60, 60, 0.7),
	}
	for _, algo := range []MatchingAlgorithm{MatchingAlgorithmGreedy, MatchingAlgorithmHungarian} {
		result := NewMatcher(0.5, algo).Match(dets, nil)
		if len(result.Unmatched) != 2 {
			t.Errorf("%s: expected every detection unmatched, got %d", algo, len(result.Unmatched))
		}
		if result.Unmatched[0] != dets[0] || result.Unmatched[1] != dets[1] {
			t.Errorf("%s: unmatched detections should keep input order", algo)
		}
	}
}

func TestMatcherRejectsDegenerate(t *testing.T) {
	track := Track{ID: 1, Box: NewBBox(0, 0, 10, 10)}
	dets := []Detection{
		NewDetection(5, 5, 5, 20, 0.9),
		NewDetection(0, 0, 10, 10, 0.9),
	}
	result := NewDefaultMatcher().Match(dets, []Track{track})
	if len(result.Rejected) != 1 || result.Rejected[0] != dets[0] {
		t.Errorf("Degenerate detection should be rejected, got %+v", result.Rejected)
	}
	if len(result.Assignments) != 1 || result.Assignments[0].DetectionIndex != 1 {
		t.Errorf("Valid detection should match, got %+v", result.Assignments)
	}
}

func TestMatcherRejectsNonFinite(t *testing.T) {
	track := Track{ID: 1, Box: NewBBox(0, 0, 10, 10)}
	dets := []Detection{
		{Box: BBox{X1: math.NaN(), Y1: 0, X2: 10, Y2: 10}, Confidence: 0.9},
		{Box: BBox{X1: 0, Y1: 0, X2: math.Inf(1), Y2: 10}, Confidence: 0.9},
	}
	for _, algo := range []MatchingAlgorithm{MatchingAlgorithmGreedy, MatchingAlgorithmHungarian} {
		result := NewMatcher(0.5, algo).Match(dets, []Track{track})
		if len(result.Rejected) != 2 {
			t.Errorf("%s: non-finite detections should be rejected, got %+v", algo, result.Rejected)
		}
		if len(result.Assignments) != 0 || len(result.Unmatched) != 0 {
			t.Errorf("%s: nothing should be matched or left unmatched, got %+v", algo, result)
		}
	}
}

func TestMatcherGreedyReusesTrack(t *testing.T) {
	track := Track{ID: 3, Box: NewBBox(0, 0, 10, 10)}
	other := Track{ID: 4, Box: NewBBox(100, 100, 110, 110)}
	dets := []Detection{
		NewDetection(0, 0, 10, 9, 0.9),
		NewDetection(0, 1, 10, 10, 0.8),
	}
	result := NewDefaultMatcher().Match(dets, []Track{track, other})
	if len(result.Assignments) != 2 {
		t.Fatalf("Greedy matcher should let both detections claim the same track, got %+v", result.Assignments)
	}
	for _, a := range result.Assignments {
		if a.TrackID != track.ID {
			t.Errorf("Expected track %d, got %d", track.ID, a.TrackID)
		}
	}
}

func TestMatcherHungarianOneToOne(t *testing.T) {
	trackA := Track{ID: 1, Box: NewBBox(0, 0, 10, 10)}
	trackB := Track{ID: 2, Box: NewBBox(100, 100, 110, 110)}
	dets := []Detection{
		NewDetection(0, 0, 10, 9, 0.9),
		NewDetection(0, 1, 10, 10, 0.8),
		NewDetection(101, 100, 111, 110, 0.8),
	}
	result := NewMatcher(0.5, MatchingAlgorithmHungarian).Match(dets, []Track{trackA, trackB})
	if len(result.Assignments) != 2 {
		t.Fatalf("Expected 2 assignments, got %+v", result.Assignments)
	}
	claimed := map[TrackID]int{}
	for _, a := range result.Assignments {
		claimed[a.TrackID]++
	}
	if claimed[trackA.ID] != 1 || claimed[trackB.ID] != 1 {
		t.Errorf("Each track should be claimed once, got %v", claimed)
	}
	if len(result.Unmatched) != 1 {
		t.Errorf("Expected 1 unmatched detection, got %d", len(result.Unmatched))
	}
}

func TestParseMatchingAlgorithm(t *testing.T) {
	cases := []struct {
		name     string
		expected MatchingAlgorithm
		ok       bool
	}{
		{"", MatchingAlgorithmGreedy, true},
		{"greedy", MatchingAlgorithmGreedy, true},
		{"hungarian", MatchingAlgorithmHungarian, true},
		{"munkres", MatchingAlgorithmGreedy, false},
	}
	for _, c := range cases {
		algo, ok := ParseMatchingAlgorithm(c.name)
		if algo != c.expected || ok != c.ok {
			t.Errorf("ParseMatchingAlgorithm(%q) = %v, %v", c.name, algo, ok)
		}
	}
}
