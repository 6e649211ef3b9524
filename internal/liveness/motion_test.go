package liveness

import (
	"context"
	"testing"
	"time"
)

func testBounds() MotionBounds {
	return MotionBounds{Min: 0.5, Max: 25}
}

func TestClassifyMotion(t *testing.T) {
	t.Run("IdenticalFramesAreStatic", func(t *testing.T) {
		f := flatFrame(32, 24, 100, 100, 100)
		r := ClassifyMotion([]Frame{f, f, f}, testBounds())

		if r.Class != MotionStatic {
			t.Errorf("Expected static, got %s (score %f)", r.Class, r.Score)
		}
	})

	t.Run("SmallDeltaIsNatural", func(t *testing.T) {
		frames := []Frame{
			flatFrame(32, 24, 100, 100, 100),
			flatFrame(32, 24, 103, 103, 103),
			flatFrame(32, 24, 100, 100, 100),
		}
		r := ClassifyMotion(frames, testBounds())

		if r.Class != MotionNatural {
			t.Errorf("Expected natural, got %s (score %f)", r.Class, r.Score)
		}
	})

	t.Run("LargeDeltaIsErratic", func(t *testing.T) {
		frames := []Frame{
			flatFrame(32, 24, 0, 0, 0),
			flatFrame(32, 24, 200, 200, 200),
		}
		r := ClassifyMotion(frames, testBounds())

		if r.Class != MotionErratic {
			t.Errorf("Expected erratic, got %s (score %f)", r.Class, r.Score)
		}
	})

	t.Run("TooFewFramesIsStatic", func(t *testing.T) {
		r := ClassifyMotion([]Frame{flatFrame(32, 24, 50, 50, 50)}, testBounds())

		if r.Class != MotionStatic {
			t.Errorf("Expected static for single frame, got %s", r.Class)
		}
	})

	t.Run("MismatchedGeometrySkipped", func(t *testing.T) {
		frames := []Frame{
			flatFrame(32, 24, 100, 100, 100),
			flatFrame(16, 12, 200, 200, 200),
		}
		r := ClassifyMotion(frames, testBounds())

		if r.Class != MotionStatic {
			t.Errorf("Expected static when no comparable pairs exist, got %s", r.Class)
		}
	})
}

func TestSampleMotion(t *testing.T) {
	t.Run("SamplesFullWindow", func(t *testing.T) {
		source := &sequenceSource{frames: []Frame{
			flatFrame(32, 24, 100, 100, 100),
			flatFrame(32, 24, 103, 103, 103),
			flatFrame(32, 24, 100, 100, 100),
			flatFrame(32, 24, 103, 103, 103),
		}}

		bounds := testBounds()
		bounds.SampleWindow = 60 * time.Millisecond
		bounds.SampleEvery = 10 * time.Millisecond

		start := time.Now()
		r, err := SampleMotion(context.Background(), source, bounds)
		if err != nil {
			t.Fatalf("SampleMotion failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed < bounds.SampleWindow {
			t.Errorf("Verdict returned before the window elapsed: %v", elapsed)
		}
		if r.Class != MotionNatural {
			t.Errorf("Expected natural, got %s (score %f)", r.Class, r.Score)
		}
	})

	t.Run("ContextAbortsSampling", func(t *testing.T) {
		source := &sequenceSource{frames: []Frame{flatFrame(32, 24, 100, 100, 100)}}

		bounds := testBounds()
		bounds.SampleWindow = 10 * time.Second
		bounds.SampleEvery = 10 * time.Millisecond

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		if _, err := SampleMotion(ctx, source, bounds); err == nil {
			t.Error("Expected error from cancelled context")
		}
	})
}
