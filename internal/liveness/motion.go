package liveness

import (
	"context"
	"fmt"
	"math"
	"time"
)

// MotionClass is the verdict over a sampled frame window.
type MotionClass string

const (
	MotionStatic  MotionClass = "static"  // flat photo or printed face
	MotionNatural MotionClass = "natural" // live micro-movement
	MotionErratic MotionClass = "erratic" // video replay or rapid movement
)

// MotionResult carries the classification and the raw inter-frame score.
type MotionResult struct {
	Class MotionClass
	Score float64
}

// MotionBounds are the configured score limits: below Min is static, above
// Max is erratic.
type MotionBounds struct {
	Min          float64
	Max          float64
	SampleWindow time.Duration
	SampleEvery  time.Duration
}

// ClassifyMotion computes the mean absolute luma delta between consecutive
// frames and classifies it against the bounds. Pure; the sampling variant
// below feeds it.
func ClassifyMotion(frames []Frame, bounds MotionBounds) MotionResult {
	if len(frames) < 2 {
		return MotionResult{Class: MotionStatic, Score: 0}
	}

	var total float64
	pairs := 0
	for i := 1; i < len(frames); i++ {
		d, ok := frameDelta(frames[i-1], frames[i])
		if !ok {
			continue
		}
		total += d
		pairs++
	}

	if pairs == 0 {
		return MotionResult{Class: MotionStatic, Score: 0}
	}

	score := total / float64(pairs)
	switch {
	case score < bounds.Min:
		return MotionResult{Class: MotionStatic, Score: score}
	case score > bounds.Max:
		return MotionResult{Class: MotionErratic, Score: score}
	default:
		return MotionResult{Class: MotionNatural, Score: score}
	}
}

// SampleMotion keeps the camera stream sampling for the full window before a
// verdict is possible; the detector cannot return early. The caller's context
// aborts the wait, not the window.
func SampleMotion(ctx context.Context, source FrameSource, bounds MotionBounds) (MotionResult, error) {
	window := bounds.SampleWindow
	if window <= 0 {
		window = 2 * time.Second
	}
	every := bounds.SampleEvery
	if every <= 0 {
		every = 200 * time.Millisecond
	}

	var frames []Frame

	first, err := source.CaptureFrame()
	if err != nil {
		return MotionResult{}, fmt.Errorf("motion sampling: %w", err)
	}
	frames = append(frames, first)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	deadline := time.After(window)

	for {
		select {
		case <-ctx.Done():
			return MotionResult{}, ctx.Err()
		case <-deadline:
			return ClassifyMotion(frames, bounds), nil
		case <-ticker.C:
			f, err := source.CaptureFrame()
			if err != nil {
				// A dropped frame mid-window is tolerable; the verdict
				// just uses fewer samples.
				continue
			}
			frames = append(frames, f)
		}
	}
}

// frameDelta is the mean absolute luma difference between two frames of equal
// geometry.
func frameDelta(a, b Frame) (float64, bool) {
	if a.Width != b.Width || a.Height != b.Height {
		return 0, false
	}
	n := a.Width * a.Height
	if len(a.Pix) < n*4 || len(b.Pix) < n*4 {
		return 0, false
	}

	var sum float64
	for i := 0; i < n; i++ {
		ya := 0.299*float64(a.Pix[i*4]) + 0.587*float64(a.Pix[i*4+1]) + 0.114*float64(a.Pix[i*4+2])
		yb := 0.299*float64(b.Pix[i*4]) + 0.587*float64(b.Pix[i*4+1]) + 0.114*float64(b.Pix[i*4+2])
		sum += math.Abs(ya - yb)
	}
	return sum / float64(n), true
}
