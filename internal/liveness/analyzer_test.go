package liveness

import (
	"math/rand"
	"testing"
)

// flatFrame is a uniform single-color frame.
func flatFrame(w, h int, r, g, b byte) Frame {
	pix := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		pix[i*4] = r
		pix[i*4+1] = g
		pix[i*4+2] = b
		pix[i*4+3] = 255
	}
	return Frame{Pix: pix, Width: w, Height: h}
}

// noiseFrame is seeded random RGB, deterministic for a given seed.
func noiseFrame(w, h int, seed int64) Frame {
	rng := rand.New(rand.NewSource(seed))
	pix := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		pix[i*4] = byte(rng.Intn(256))
		pix[i*4+1] = byte(rng.Intn(256))
		pix[i*4+2] = byte(rng.Intn(256))
		pix[i*4+3] = 255
	}
	return Frame{Pix: pix, Width: w, Height: h}
}

// gradientFrame ramps luma horizontally.
func gradientFrame(w, h int) Frame {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(x * 255 / (w - 1))
			i := (y*w + x) * 4
			pix[i] = v
			pix[i+1] = v
			pix[i+2] = v
			pix[i+3] = 255
		}
	}
	return Frame{Pix: pix, Width: w, Height: h}
}

// bezelFrame is black on the left half and white on the right, the luma
// signature of a screen border.
func bezelFrame(w, h int) Frame {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v byte
			if x >= w/2 {
				v = 255
			}
			i := (y*w + x) * 4
			pix[i] = v
			pix[i+1] = v
			pix[i+2] = v
			pix[i+3] = 255
		}
	}
	return Frame{Pix: pix, Width: w, Height: h}
}

func TestAnalyzeDeterminism(t *testing.T) {
	f := noiseFrame(64, 48, 7)

	first := Analyze(f)
	second := Analyze(f)

	if first != second {
		t.Errorf("Analyze is not deterministic:\n first: %+v\nsecond: %+v", first, second)
	}
}

func TestAnalyzeFlatGray(t *testing.T) {
	m := Analyze(flatFrame(64, 48, 128, 128, 128))

	if m.Sharpness != 0 {
		t.Errorf("Expected zero sharpness on flat frame, got %f", m.Sharpness)
	}
	if m.Contrast > 0.001 {
		t.Errorf("Expected zero contrast on flat frame, got %f", m.Contrast)
	}
	if m.Colorfulness > 0.001 {
		t.Errorf("Expected zero colorfulness on gray frame, got %f", m.Colorfulness)
	}
	if m.Brightness < 127 || m.Brightness > 129 {
		t.Errorf("Expected brightness near 128, got %f", m.Brightness)
	}
	if m.TextureScore != 0 {
		t.Errorf("Expected zero texture score on flat frame, got %f", m.TextureScore)
	}
}

func TestSharpnessOrdering(t *testing.T) {
	flat := Analyze(flatFrame(64, 48, 100, 100, 100))
	gradient := Analyze(gradientFrame(64, 48))
	noise := Analyze(noiseFrame(64, 48, 7))

	if noise.Sharpness <= flat.Sharpness {
		t.Errorf("Expected noise sharper than flat: %f vs %f", noise.Sharpness, flat.Sharpness)
	}
	if noise.Sharpness <= gradient.Sharpness {
		t.Errorf("Expected noise sharper than smooth gradient: %f vs %f", noise.Sharpness, gradient.Sharpness)
	}
}

func TestBezelEdgeForcesTextureScore(t *testing.T) {
	m := Analyze(bezelFrame(64, 48))

	if m.TextureScore != 1.0 {
		t.Errorf("Expected texture score 1.0 on bezel frame, got %f", m.TextureScore)
	}
}

func TestAnalyzeDegenerateFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"empty", Frame{}},
		{"zero size", Frame{Pix: make([]byte, 16), Width: 0, Height: 0}},
		{"short buffer", Frame{Pix: make([]byte, 10), Width: 64, Height: 48}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Analyze(tt.frame)
			if m != (QualityMetrics{}) {
				t.Errorf("Expected zero metrics, got %+v", m)
			}
		})
	}
}
