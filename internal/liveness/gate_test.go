package liveness

import (
	"context"
	"strings"
	"testing"
)

// sequenceSource replays a fixed frame list, repeating the last frame once
// the list runs out.
type sequenceSource struct {
	frames []Frame
	next   int
}

func (s *sequenceSource) CaptureFrame() (Frame, error) {
	if s.next >= len(s.frames) {
		return s.frames[len(s.frames)-1], nil
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func TestEvaluateFrameRejectsFlatGray(t *testing.T) {
	v := EvaluateFrame(Analyze(flatFrame(64, 48, 128, 128, 128)), DefaultThresholds())

	if v.IsReal {
		t.Error("Expected flat gray frame to be rejected")
	}
	if v.Confidence >= DefaultThresholds().MinConfidence {
		t.Errorf("Expected confidence below threshold, got %f", v.Confidence)
	}
	if len(v.Reasons) == 0 {
		t.Fatal("Expected rejection reasons")
	}

	joined := strings.Join(v.Reasons, "; ")
	for _, want := range []string{"sharpness", "contrast", "colorfulness"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected a %s reason, got: %s", want, joined)
		}
	}
}

func TestEvaluateFrameAcceptsRichFrame(t *testing.T) {
	v := EvaluateFrame(Analyze(noiseFrame(64, 48, 7)), DefaultThresholds())

	if !v.IsReal {
		t.Errorf("Expected bright high-detail frame to pass, reasons: %v", v.Reasons)
	}
}

func TestEvaluateFramesVarianceRejection(t *testing.T) {
	// One nearly-black frame and one rich frame score wildly differently;
	// the burst must be rejected on inconsistency even though the mean
	// might not decide on its own.
	frames := []Frame{
		flatFrame(64, 48, 0, 0, 0),
		noiseFrame(64, 48, 7),
	}

	v := EvaluateFrames(frames, DefaultThresholds())

	if v.IsReal {
		t.Error("Expected inconsistent burst to be rejected")
	}
	if !strings.Contains(strings.Join(v.Reasons, "; "), "inconsistent") {
		t.Errorf("Expected an inconsistency reason, got: %v", v.Reasons)
	}
}

func TestEvaluateFramesEmpty(t *testing.T) {
	v := EvaluateFrames(nil, DefaultThresholds())

	if v.IsReal {
		t.Error("Expected empty burst to be rejected")
	}
	if len(v.Reasons) == 0 {
		t.Error("Expected a reason for the empty burst")
	}
}

func TestEvaluateCapture(t *testing.T) {
	t.Run("ConsistentLiveBurst", func(t *testing.T) {
		f := noiseFrame(64, 48, 7)
		source := &sequenceSource{frames: []Frame{f, f, f}}

		th := DefaultThresholds()
		th.InterFrameDelay = 1 // keep the test fast

		v, err := EvaluateCapture(context.Background(), source, th)
		if err != nil {
			t.Fatalf("EvaluateCapture failed: %v", err)
		}
		if !v.IsReal {
			t.Errorf("Expected consistent live burst to pass, reasons: %v", v.Reasons)
		}
	})

	t.Run("FlatBurstRejected", func(t *testing.T) {
		f := flatFrame(64, 48, 128, 128, 128)
		source := &sequenceSource{frames: []Frame{f, f, f}}

		th := DefaultThresholds()
		th.InterFrameDelay = 1

		v, err := EvaluateCapture(context.Background(), source, th)
		if err != nil {
			t.Fatalf("EvaluateCapture failed: %v", err)
		}
		if v.IsReal {
			t.Error("Expected flat burst to be rejected")
		}
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		f := noiseFrame(64, 48, 7)
		source := &sequenceSource{frames: []Frame{f}}

		if _, err := EvaluateCapture(ctx, source, DefaultThresholds()); err == nil {
			t.Error("Expected error from cancelled context")
		}
	})
}
