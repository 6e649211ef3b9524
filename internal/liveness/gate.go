package liveness

import (
	"context"
	"fmt"
	"time"
)

// Thresholds configure the spoof gate. Zero values are replaced by the
// defaults below so a partially filled settings snapshot still gates sanely.
type Thresholds struct {
	MinSharpness    float64
	MinContrast     float64
	MinColorfulness float64
	MaxTexture      float64
	MinBrightness   float64
	MaxBrightness   float64
	MinConfidence   float64

	FrameCount            int
	InterFrameDelay       time.Duration
	MaxConfidenceVariance float64
}

// DefaultThresholds match a typical indoor webcam under office lighting.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSharpness:          80,
		MinContrast:           30,
		MinColorfulness:       15,
		MaxTexture:            0.25,
		MinBrightness:         40,
		MaxBrightness:         220,
		MinConfidence:         0.6,
		FrameCount:            3,
		InterFrameDelay:       200 * time.Millisecond,
		MaxConfidenceVariance: 0.05,
	}
}

// Verdict is the gate's decision for one frame or one capture burst.
type Verdict struct {
	IsReal     bool
	Confidence float64
	Reasons    []string
}

// Scoring weights. A frame earning every point scores 1.0 (clamped).
const (
	weightSharpness    = 0.3
	weightContrast     = 0.3
	weightBrightness   = 0.15
	weightColorfulness = 0.2
	weightLowTexture   = 0.15
)

// EvaluateFrame scores a frame's quality metrics against the thresholds.
// Each sub-check contributes weighted points; every failed check appends a
// human-readable reason for the incident report.
func EvaluateFrame(m QualityMetrics, t Thresholds) Verdict {
	t = t.withDefaults()

	var confidence float64
	var reasons []string

	confidence += weightSharpness * ratio(m.Sharpness, t.MinSharpness)
	if m.Sharpness < t.MinSharpness {
		reasons = append(reasons, fmt.Sprintf("low sharpness %.1f (min %.1f): possible screen blur", m.Sharpness, t.MinSharpness))
	}

	confidence += weightContrast * ratio(m.Contrast, t.MinContrast)
	if m.Contrast < t.MinContrast {
		reasons = append(reasons, fmt.Sprintf("low contrast %.1f (min %.1f)", m.Contrast, t.MinContrast))
	}

	if m.Brightness >= t.MinBrightness && m.Brightness <= t.MaxBrightness {
		confidence += weightBrightness
	} else {
		reasons = append(reasons, fmt.Sprintf("brightness %.1f outside [%.0f, %.0f]", m.Brightness, t.MinBrightness, t.MaxBrightness))
	}

	confidence += weightColorfulness * ratio(m.Colorfulness, t.MinColorfulness)
	if m.Colorfulness < t.MinColorfulness {
		reasons = append(reasons, fmt.Sprintf("low colorfulness %.1f (min %.1f): possible printed or gray reproduction", m.Colorfulness, t.MinColorfulness))
	}

	if m.TextureScore <= t.MaxTexture {
		confidence += weightLowTexture
	} else {
		reasons = append(reasons, fmt.Sprintf("texture artifacts %.2f (max %.2f): possible screen interference", m.TextureScore, t.MaxTexture))
	}

	if confidence > 1 {
		confidence = 1
	}

	return Verdict{
		IsReal:     confidence >= t.MinConfidence,
		Confidence: confidence,
		Reasons:    reasons,
	}
}

// EvaluateFrames runs EvaluateFrame per frame, averages the confidence, and
// additionally requires per-frame confidence variance to stay within bound.
// A live face under stable lighting scores consistently; wildly inconsistent
// scores are suspicious on their own, independent of the average.
func EvaluateFrames(frames []Frame, t Thresholds) Verdict {
	t = t.withDefaults()

	if len(frames) == 0 {
		return Verdict{Reasons: []string{"no frames captured"}}
	}

	confidences := make([]float64, 0, len(frames))
	seen := map[string]bool{}
	var reasons []string

	for _, f := range frames {
		v := EvaluateFrame(Analyze(f), t)
		confidences = append(confidences, v.Confidence)
		for _, r := range v.Reasons {
			if !seen[r] {
				seen[r] = true
				reasons = append(reasons, r)
			}
		}
	}

	var sum float64
	for _, c := range confidences {
		sum += c
	}
	mean := sum / float64(len(confidences))

	var variance float64
	for _, c := range confidences {
		variance += (c - mean) * (c - mean)
	}
	variance /= float64(len(confidences))

	verdict := Verdict{Confidence: mean}

	if variance > t.MaxConfidenceVariance {
		verdict.Reasons = append(reasons,
			fmt.Sprintf("inconsistent frame confidence (variance %.3f, max %.3f)", variance, t.MaxConfidenceVariance))
		return verdict
	}

	verdict.IsReal = mean >= t.MinConfidence
	if !verdict.IsReal {
		verdict.Reasons = reasons
	}
	return verdict
}

// EvaluateCapture is the suspend-point variant: it captures FrameCount frames
// InterFrameDelay apart from the source and gates the burst.
func EvaluateCapture(ctx context.Context, source FrameSource, t Thresholds) (Verdict, error) {
	t = t.withDefaults()

	frames := make([]Frame, 0, t.FrameCount)
	for i := 0; i < t.FrameCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Verdict{}, ctx.Err()
			case <-time.After(t.InterFrameDelay):
			}
		}

		f, err := source.CaptureFrame()
		if err != nil {
			return Verdict{}, fmt.Errorf("spoof gate capture: %w", err)
		}
		frames = append(frames, f)
	}

	return EvaluateFrames(frames, t), nil
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinSharpness == 0 {
		t.MinSharpness = d.MinSharpness
	}
	if t.MinContrast == 0 {
		t.MinContrast = d.MinContrast
	}
	if t.MinColorfulness == 0 {
		t.MinColorfulness = d.MinColorfulness
	}
	if t.MaxTexture == 0 {
		t.MaxTexture = d.MaxTexture
	}
	if t.MaxBrightness == 0 {
		t.MinBrightness = d.MinBrightness
		t.MaxBrightness = d.MaxBrightness
	}
	if t.MinConfidence == 0 {
		t.MinConfidence = d.MinConfidence
	}
	if t.FrameCount == 0 {
		t.FrameCount = d.FrameCount
	}
	if t.InterFrameDelay == 0 {
		t.InterFrameDelay = d.InterFrameDelay
	}
	if t.MaxConfidenceVariance == 0 {
		t.MaxConfidenceVariance = d.MaxConfidenceVariance
	}
	return t
}

func ratio(value, min float64) float64 {
	if min <= 0 {
		return 1
	}
	r := value / min
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}
