// Package camera implements the frame sampler.
//
// On a fixed interval it pulls a reduced-resolution RGBA frame from the
// video source, classifies a sparse grid of sample points with a skin-tone
// rule, merges adjacent matches into clusters with a distance-threshold
// flood fill, and emits one face event per cycle. The heuristic is
// deliberately crude: the escalation policy is tuned against it, so it
// must not be swapped for a real face detector without retuning.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"proctorforge/internal/detector"
	"proctorforge/internal/event"
)

// Frame is one reduced-resolution RGBA frame.
type Frame struct {
	Width  int
	Height int
	// Pix holds 4 bytes per pixel (RGBA), row-major.
	Pix []uint8
}

// Source supplies live video frames.
type Source interface {
	// Open acquires the device. A denied permission surfaces here.
	Open(ctx context.Context) error

	// Frame captures the current frame.
	Frame(ctx context.Context) (*Frame, error)

	// Close releases the device.
	Close() error
}

// Config controls the sampler.
type Config struct {
	// Interval between frames.
	Interval time.Duration `json:"interval"`

	// GridStep is the pixel stride between sample points.
	GridStep int `json:"grid_step"`

	// MergeDistance is the maximum pixel distance between sample points
	// merged into one cluster.
	MergeDistance int `json:"merge_distance"`

	// MinClusterPoints is the smallest cluster treated as a candidate face.
	MinClusterPoints int `json:"min_cluster_points"`

	// MaxClusters caps the reported face count.
	MaxClusters int `json:"max_clusters"`

	// CenterDeviation is the normalized centroid offset (0..1 of the
	// half-extent) beyond which a single face counts as gaze deviation.
	CenterDeviation float64 `json:"center_deviation"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         2500 * time.Millisecond,
		GridStep:         8,
		MergeDistance:    16,
		MinClusterPoints: 6,
		MaxClusters:      3,
		CenterDeviation:  0.25,
	}
}

// EmitFunc receives one face event per sampling cycle.
type EmitFunc func(kind event.Kind, confidence float64, payload map[string]any)

// Detector is the camera frame sampler.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	source  Source
	emit    EmitFunc
	logger  *slog.Logger
	sampler *detector.Sampler

	// Local state for UI display.
	faceDetected bool
	faceCount    int
	lastSampleAt time.Time

	// Previous frame luminance at grid points, for the motion signal.
	prevLum []float64
}

// New creates a camera detector.
func New(cfg Config, source Source, emit EmitFunc, logger *slog.Logger) *Detector {
	d := &Detector{
		cfg:    cfg,
		source: source,
		emit:   emit,
		logger: logger,
	}
	d.sampler = detector.NewSampler(cfg.Interval, d.sample)
	return d
}

// Name implements detector.Detector.
func (d *Detector) Name() string { return "camera" }

// Start acquires the video source and begins sampling. If the source is
// unavailable the detector stays inactive and the error is returned; there
// is no automatic retry.
func (d *Detector) Start(ctx context.Context) error {
	if d.sampler.Running() {
		return detector.ErrAlreadyRunning
	}
	if err := d.source.Open(ctx); err != nil {
		d.logger.Warn("camera unavailable", "error", err)
		return fmt.Errorf("%w: %v", detector.ErrSourceUnavailable, err)
	}
	return d.sampler.Start(ctx)
}

// Stop halts sampling and releases the device. Idempotent.
func (d *Detector) Stop() {
	if !d.sampler.Running() {
		return
	}
	d.sampler.Stop()
	if err := d.source.Close(); err != nil {
		d.logger.Debug("camera close", "error", err)
	}
}

// Active implements detector.Detector.
func (d *Detector) Active() bool { return d.sampler.Running() }

// FaceDetected reports the last cycle's face presence, for UI display.
func (d *Detector) FaceDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faceDetected
}

// FaceCount reports the last cycle's face count, for UI display.
func (d *Detector) FaceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faceCount
}

func (d *Detector) sample(now time.Time) {
	frame, err := d.source.Frame(context.Background())
	if err != nil {
		d.logger.Debug("frame capture failed", "error", err)
		return
	}
	kind, confidence, payload := d.Analyze(frame)

	d.mu.Lock()
	d.lastSampleAt = now
	d.faceDetected = kind == event.KindFaceDetected || kind == event.KindGazeDeviation
	switch kind {
	case event.KindFaceMissing:
		d.faceCount = 0
	case event.KindMultiFace:
		d.faceCount = payload["face_count"].(int)
	default:
		d.faceCount = 1
	}
	d.mu.Unlock()

	d.emit(kind, confidence, payload)
}

// Analyze classifies one frame. Exported for the engine's self-test phase
// and for tests; it holds no detector state except the motion baseline.
func (d *Detector) Analyze(frame *Frame) (event.Kind, float64, map[string]any) {
	points, skinCount, lum := sampleGrid(frame, d.cfg.GridStep)

	d.mu.Lock()
	motion := motionSum(d.prevLum, lum)
	d.prevLum = lum
	d.mu.Unlock()

	clusters := cluster(points, d.cfg.MergeDistance, d.cfg.MinClusterPoints)
	if len(clusters) > d.cfg.MaxClusters {
		clusters = clusters[:d.cfg.MaxClusters]
	}

	payload := map[string]any{
		"face_count":    len(clusters),
		"skin_samples":  skinCount,
		"total_samples": len(lum),
		"motion":        motion,
	}

	switch {
	case len(clusters) == 0:
		// Fewer skin samples anywhere means higher confidence nobody is
		// in frame.
		scarcity := 1.0
		if len(lum) > 0 {
			scarcity = 1.0 - float64(skinCount)/float64(len(lum))
		}
		return event.KindFaceMissing, clamp01(scarcity), payload
	case len(clusters) > 1:
		return event.KindMultiFace, 0.8, payload
	default:
		dev := centerDeviation(clusters[0], frame.Width, frame.Height)
		payload["deviation"] = dev
		if dev > d.cfg.CenterDeviation {
			return event.KindGazeDeviation, clamp01(dev), payload
		}
		return event.KindFaceDetected, 1.0 - dev, payload
	}
}

// gridPoint is one sampled pixel that matched the skin-tone rule.
type gridPoint struct {
	x, y int
}

// sampleGrid walks the sparse grid, returning skin-matching points, the
// match count, and per-point luminance for the motion signal.
func sampleGrid(frame *Frame, step int) (points []gridPoint, skinCount int, lum []float64) {
	if step <= 0 {
		step = 8
	}
	for y := 0; y < frame.Height; y += step {
		for x := 0; x < frame.Width; x += step {
			i := (y*frame.Width + x) * 4
			if i+2 >= len(frame.Pix) {
				continue
			}
			r := int(frame.Pix[i])
			g := int(frame.Pix[i+1])
			b := int(frame.Pix[i+2])
			lum = append(lum, 0.299*float64(r)+0.587*float64(g)+0.114*float64(b))
			if isSkinTone(r, g, b) {
				points = append(points, gridPoint{x, y})
				skinCount++
			}
		}
	}
	return points, skinCount, lum
}

// isSkinTone is the coarse RGB rule the face heuristic is built on.
func isSkinTone(r, g, b int) bool {
	maxC := max(r, max(g, b))
	minC := min(r, min(g, b))
	return r > 95 && g > 40 && b > 20 &&
		maxC-minC > 15 &&
		abs(r-g) > 15 &&
		r > g && r > b
}

// faceCluster is a merged group of skin-tone sample points.
type faceCluster struct {
	points int
	cx, cy float64
}

// cluster merges points within mergeDistance of each other via flood fill
// and drops clusters under minPoints.
func cluster(points []gridPoint, mergeDistance, minPoints int) []faceCluster {
	visited := make([]bool, len(points))
	var out []faceCluster

	for i := range points {
		if visited[i] {
			continue
		}
		// Breadth-first flood fill from this seed.
		queue := []int{i}
		visited[i] = true
		var members []gridPoint
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			members = append(members, points[j])
			for k := range points {
				if visited[k] {
					continue
				}
				if dist(points[j], points[k]) <= float64(mergeDistance) {
					visited[k] = true
					queue = append(queue, k)
				}
			}
		}
		if len(members) < minPoints {
			continue
		}
		var sx, sy float64
		for _, p := range members {
			sx += float64(p.x)
			sy += float64(p.y)
		}
		out = append(out, faceCluster{
			points: len(members),
			cx:     sx / float64(len(members)),
			cy:     sy / float64(len(members)),
		})
	}
	return out
}

// centerDeviation is the cluster centroid's normalized distance from frame
// center, 0 at dead center and 1 at a corner.
func centerDeviation(c faceCluster, width, height int) float64 {
	hx := float64(width) / 2
	hy := float64(height) / 2
	if hx == 0 || hy == 0 {
		return 0
	}
	dx := (c.cx - hx) / hx
	dy := (c.cy - hy) / hy
	return math.Sqrt(dx*dx+dy*dy) / math.Sqrt2
}

// motionSum is the absolute luminance difference against the previous
// frame's grid. Auxiliary signal only; it never gates output.
func motionSum(prev, cur []float64) float64 {
	if len(prev) == 0 || len(prev) != len(cur) {
		return 0
	}
	var sum float64
	for i := range cur {
		sum += math.Abs(cur[i] - prev[i])
	}
	return sum
}

func dist(a, b gridPoint) float64 {
	dx := float64(a.x - b.x)
	dy := float64(a.y - b.y)
	return math.Sqrt(dx*dx + dy*dy)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
