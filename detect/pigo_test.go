package detect

import (
	"context"
	"encoding/binary"
	"image"
	"math"
	"testing"

	"github.com/LdDl/mot-visitors/mot"
	"github.com/LdDl/mot-visitors/visitors"
	pigo "github.com/esimov/pigo/core"
)

// syntheticCascade builds single tree of depth 1 which compares window center
// with itself, so every window lands in the right leaf with score leafScore.
func syntheticCascade(leafScore float32) []byte {
	packet := make([]byte, 0, 32)
	packet = append(packet, make([]byte, 8)...)
	packet = binary.LittleEndian.AppendUint32(packet, 1)
	packet = binary.LittleEndian.AppendUint32(packet, 1)
	packet = append(packet, 0, 0, 0, 0)
	packet = binary.LittleEndian.AppendUint32(packet, math.Float32bits(0))
	packet = binary.LittleEndian.AppendUint32(packet, math.Float32bits(leafScore))
	packet = binary.LittleEndian.AppendUint32(packet, math.Float32bits(0))
	return packet
}

func testConfig() PigoConfig {
	cfg := DefaultPigoConfig()
	cfg.MinSize = 40
	cfg.MaxSize = 80
	cfg.ScaleFactor = 1.5
	cfg.MinScore = 1.0
	cfg.ScoreNorm = 10.0
	return cfg
}

func TestNewPigoDetectorRejectsBadInput(t *testing.T) {
	if _, err := NewPigoDetector(testConfig(), []byte{1, 2, 3}); err == nil {
		t.Error("Short cascade should be rejected")
	}
	truncated := syntheticCascade(5)[:20]
	if _, err := NewPigoDetector(testConfig(), truncated); err == nil {
		t.Error("Truncated cascade should be rejected")
	}
	cfg := testConfig()
	cfg.ScaleFactor = 1.0
	if _, err := NewPigoDetector(cfg, syntheticCascade(5)); err == nil {
		t.Error("Scale factor 1 should be rejected")
	}
	if _, err := NewPigoDetectorFromFile(PigoConfig{CascadePath: "/nonexistent/facefinder"}); err == nil {
		t.Error("Missing cascade file should be rejected")
	}
}

func TestPigoDetectorDetects(t *testing.T) {
	pd, err := NewPigoDetector(testConfig(), syntheticCascade(5))
	if err != nil {
		t.Fatalf("NewPigoDetector failed: %v", err)
	}
	frame := image.NewGray(image.Rect(0, 0, 160, 120))
	dets, err := pd.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) == 0 {
		t.Fatal("Synthetic cascade should accept windows")
	}
	for _, det := range dets {
		if det.Box.IsDegenerate() {
			t.Errorf("Degenerate detection %v", det.Box)
		}
		if det.Box.X1 < 0 || det.Box.Y1 < 0 || det.Box.X2 > 160 || det.Box.Y2 > 120 {
			t.Errorf("Detection %v is out of frame", det.Box)
		}
		if det.Confidence < 0 || det.Confidence > 1 {
			t.Errorf("Confidence %f is out of [0, 1]", det.Confidence)
		}
	}
}

func TestPigoDetectorRejectsLowScore(t *testing.T) {
	pd, err := NewPigoDetector(testConfig(), syntheticCascade(-1))
	if err != nil {
		t.Fatalf("NewPigoDetector failed: %v", err)
	}
	dets, err := pd.Detect(context.Background(), image.NewGray(image.Rect(0, 0, 160, 120)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %d", len(dets))
	}
}

func TestPigoDetectorSmallFrame(t *testing.T) {
	pd, _ := NewPigoDetector(testConfig(), syntheticCascade(5))
	dets, err := pd.Detect(context.Background(), image.NewGray(image.Rect(0, 0, 30, 30)))
	if err != nil || len(dets) != 0 {
		t.Errorf("Frame smaller than min window should give nothing, got %v, %v", dets, err)
	}
}

func TestPigoDetectorCancelled(t *testing.T) {
	pd, _ := NewPigoDetector(testConfig(), syntheticCascade(5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pd.Detect(ctx, image.NewGray(image.Rect(0, 0, 160, 120))); err == nil {
		t.Error("Cancelled context should abort detection")
	}
}

func TestToDetection(t *testing.T) {
	pd, _ := NewPigoDetector(testConfig(), syntheticCascade(5))
	frameBox := image.Rect(0, 0, 200, 200)
	det, ok := pd.toDetection(pigo.Detection{Row: 50, Col: 60, Scale: 40, Q: 25}, frameBox)
	if !ok {
		t.Fatal("Detection should be accepted")
	}
	if det.Box != mot.NewBBox(40, 30, 80, 70) {
		t.Errorf("Unexpected box %v", det.Box)
	}
	if det.Confidence != 1.0 {
		t.Errorf("Confidence should saturate at 1, got %f", det.Confidence)
	}
	det, _ = pd.toDetection(pigo.Detection{Row: 10, Col: 10, Scale: 40, Q: 5}, frameBox)
	if det.Box != mot.NewBBox(0, 0, 30, 30) {
		t.Errorf("Box should be clamped to frame, got %v", det.Box)
	}
	if det.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5, got %f", det.Confidence)
	}
}

func TestPigoDetectorIsDetector(t *testing.T) {
	var _ visitors.Detector = &PigoDetector{}
}
