package camera

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"proctorforge/internal/detector"
	"proctorforge/internal/event"
)

// =============================================================================
// Helper functions
// =============================================================================

func newFrame(width, height int) *Frame {
	return &Frame{Width: width, Height: height, Pix: make([]uint8, width*height*4)}
}

// paintBlob fills a square region with a skin-tone color.
func paintBlob(f *Frame, x0, y0, size int) {
	for y := y0; y < y0+size && y < f.Height; y++ {
		for x := x0; x < x0+size && x < f.Width; x++ {
			i := (y*f.Width + x) * 4
			f.Pix[i] = 200   // r
			f.Pix[i+1] = 140 // g
			f.Pix[i+2] = 110 // b
			f.Pix[i+3] = 255
		}
	}
}

func testDetector() *Detector {
	return New(DefaultConfig(), nil, func(event.Kind, float64, map[string]any) {}, slog.Default())
}

// deniedSource refuses to open, like a permission denial.
type deniedSource struct{}

func (deniedSource) Open(context.Context) error { return errors.New("permission denied") }

func (deniedSource) Frame(context.Context) (*Frame, error) { return nil, errors.New("not open") }

func (deniedSource) Close() error { return nil }

// =============================================================================
// Source acquisition
// =============================================================================

func TestStartDeniedSource(t *testing.T) {
	d := New(DefaultConfig(), deniedSource{}, func(event.Kind, float64, map[string]any) {}, slog.Default())

	err := d.Start(context.Background())
	if !errors.Is(err, detector.ErrSourceUnavailable) {
		t.Fatalf("Start = %v, want ErrSourceUnavailable", err)
	}
	if d.Active() {
		t.Error("detector must stay inactive after a denied open")
	}
}

// =============================================================================
// Skin-tone rule
// =============================================================================

func TestIsSkinTone(t *testing.T) {
	cases := []struct {
		r, g, b int
		want    bool
	}{
		{200, 140, 110, true},  // typical skin
		{255, 200, 160, true},  // light skin
		{50, 50, 50, false},    // dark gray
		{200, 200, 200, false}, // flat gray, no channel spread
		{100, 200, 100, false}, // green dominant
		{90, 40, 20, false},    // r below floor
	}
	for _, tc := range cases {
		if got := isSkinTone(tc.r, tc.g, tc.b); got != tc.want {
			t.Errorf("isSkinTone(%d, %d, %d) = %v, want %v", tc.r, tc.g, tc.b, got, tc.want)
		}
	}
}

// =============================================================================
// Frame classification
// =============================================================================

func TestAnalyzeEmptyFrameIsFaceMissing(t *testing.T) {
	d := testDetector()
	frame := newFrame(160, 120)

	kind, confidence, payload := d.Analyze(frame)
	if kind != event.KindFaceMissing {
		t.Fatalf("kind = %s, want face_missing", kind)
	}
	if confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 for a frame with zero skin samples", confidence)
	}
	if payload["face_count"] != 0 {
		t.Errorf("face_count = %v, want 0", payload["face_count"])
	}
}

func TestAnalyzeCenteredBlobIsFaceDetected(t *testing.T) {
	d := testDetector()
	frame := newFrame(160, 120)
	paintBlob(frame, 56, 36, 48) // centered 48px blob

	kind, confidence, payload := d.Analyze(frame)
	if kind != event.KindFaceDetected {
		t.Fatalf("kind = %s, want face_detected (payload %v)", kind, payload)
	}
	if confidence <= 0.5 {
		t.Errorf("confidence = %v, want > 0.5 for a centered face", confidence)
	}
	if payload["face_count"] != 1 {
		t.Errorf("face_count = %v, want 1", payload["face_count"])
	}
}

func TestAnalyzeCornerBlobIsGazeDeviation(t *testing.T) {
	d := testDetector()
	frame := newFrame(160, 120)
	paintBlob(frame, 0, 0, 40) // top-left corner

	kind, _, payload := d.Analyze(frame)
	if kind != event.KindGazeDeviation {
		t.Fatalf("kind = %s, want gaze_deviation (deviation %v)", kind, payload["deviation"])
	}
	dev, ok := payload["deviation"].(float64)
	if !ok || dev <= DefaultConfig().CenterDeviation {
		t.Errorf("deviation = %v, want above threshold %v", payload["deviation"], DefaultConfig().CenterDeviation)
	}
}

func TestAnalyzeTwoBlobsIsMultiFace(t *testing.T) {
	d := testDetector()
	frame := newFrame(160, 120)
	paintBlob(frame, 8, 30, 40)
	paintBlob(frame, 110, 30, 40) // far enough for separate clusters

	kind, confidence, payload := d.Analyze(frame)
	if kind != event.KindMultiFace {
		t.Fatalf("kind = %s, want multi_face (payload %v)", kind, payload)
	}
	if confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", confidence)
	}
	if n := payload["face_count"].(int); n < 2 {
		t.Errorf("face_count = %d, want >= 2", n)
	}
}

func TestAnalyzeTinyBlobBelowClusterMinimum(t *testing.T) {
	d := testDetector()
	frame := newFrame(160, 120)
	paintBlob(frame, 72, 52, 10) // too few grid hits to form a cluster

	kind, _, _ := d.Analyze(frame)
	if kind != event.KindFaceMissing {
		t.Errorf("kind = %s, want face_missing for a sub-minimum blob", kind)
	}
}

// =============================================================================
// Clustering
// =============================================================================

func TestClusterMergesNearbyPoints(t *testing.T) {
	points := []gridPoint{
		{0, 0}, {8, 0}, {16, 0}, {0, 8}, {8, 8}, {16, 8},
	}
	clusters := cluster(points, 16, 6)
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(clusters))
	}
	if clusters[0].points != 6 {
		t.Errorf("cluster size = %d, want 6", clusters[0].points)
	}
}

func TestClusterDropsSmallGroups(t *testing.T) {
	points := []gridPoint{{0, 0}, {8, 0}, {200, 200}}
	clusters := cluster(points, 16, 3)
	if len(clusters) != 0 {
		t.Errorf("clusters = %d, want 0 (all groups under minimum)", len(clusters))
	}
}

func TestCenterDeviationRange(t *testing.T) {
	center := faceCluster{cx: 80, cy: 60}
	if dev := centerDeviation(center, 160, 120); dev != 0 {
		t.Errorf("center deviation = %v, want 0", dev)
	}
	corner := faceCluster{cx: 0, cy: 0}
	dev := centerDeviation(corner, 160, 120)
	if dev < 0.99 || dev > 1.01 {
		t.Errorf("corner deviation = %v, want ~1", dev)
	}
}

// =============================================================================
// Motion signal
// =============================================================================

func TestMotionSumAcrossFrames(t *testing.T) {
	d := testDetector()
	dark := newFrame(160, 120)
	bright := newFrame(160, 120)
	for i := range bright.Pix {
		bright.Pix[i] = 255
	}

	_, _, first := d.Analyze(dark)
	if first["motion"].(float64) != 0 {
		t.Error("first frame should report zero motion")
	}
	_, _, second := d.Analyze(bright)
	if second["motion"].(float64) <= 0 {
		t.Error("dark-to-bright transition should report motion")
	}
}
