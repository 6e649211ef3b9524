// Package liveness implements the camera-frame verification pipeline:
// image-quality heuristics, inter-frame motion classification, and the
// spoof gate that combines both into a pass/fail liveness verdict.
package liveness

import "math"

// Frame is a captured camera frame as a tightly packed RGBA pixel buffer.
type Frame struct {
	Pix    []byte // 4 bytes per pixel: R, G, B, A
	Width  int
	Height int
}

// FrameSource supplies camera frames. Camera access and permissions are
// entirely the implementation's concern.
type FrameSource interface {
	CaptureFrame() (Frame, error)
}

// QualityMetrics are the per-frame quality measurements. They are derived for
// a single verification decision and never persisted.
type QualityMetrics struct {
	Sharpness    float64 // Laplacian variance; blur (screen photo) scores low
	Contrast     float64 // stddev of per-pixel luma
	Brightness   float64 // mean luma
	Colorfulness float64 // Hasler-Suesstrunk style opponent-channel metric
	TextureScore float64 // fraction of neighborhoods with moire-like artifacts, 1.0 when a bezel edge is found
}

// Texture scan constants. textureDelta is the luma step that counts a
// neighbor as an interference artifact; bezelJump is the luma discontinuity
// treated as a screen border.
const (
	textureSampleStep = 4
	textureDelta      = 25.0
	bezelJump         = 96.0
)

// Analyze computes QualityMetrics for a frame. It is a pure function: the
// same pixel buffer always produces bit-identical metrics, which is what
// makes the gate's decisions reproducible in tests and incident reviews.
func Analyze(f Frame) QualityMetrics {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 || len(f.Pix) < w*h*4 {
		return QualityMetrics{}
	}

	luma := make([]float64, w*h)
	var lumaSum, lumaSumSq float64
	var rgSum, ybSum float64

	for i := 0; i < w*h; i++ {
		r := float64(f.Pix[i*4])
		g := float64(f.Pix[i*4+1])
		b := float64(f.Pix[i*4+2])

		y := 0.299*r + 0.587*g + 0.114*b
		luma[i] = y
		lumaSum += y
		lumaSumSq += y * y

		rgSum += math.Abs(r - g)
		ybSum += math.Abs((r+g)/2 - b)
	}

	n := float64(w * h)
	mean := lumaSum / n
	variance := lumaSumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	mrg := rgSum / n
	myb := ybSum / n

	m := QualityMetrics{
		Sharpness:    laplacianVariance(luma, w, h),
		Contrast:     math.Sqrt(variance),
		Brightness:   mean,
		Colorfulness: math.Sqrt((mrg*mrg + myb*myb) / 2),
		TextureScore: textureScore(luma, w, h),
	}

	if hasRectangularEdge(luma, w, h) {
		// A sharp straight luma jump across the frame reads as a screen
		// bezel; force the artifact score to its maximum.
		m.TextureScore = 1.0
	}

	return m
}

// laplacianVariance is the variance of the 4-neighbor Laplacian response
// |4*p - left - right - up - down| over interior pixels.
func laplacianVariance(luma []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	count := 0

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			lap := math.Abs(4*luma[i] - luma[i-1] - luma[i+1] - luma[i-w] - luma[i+w])
			sum += lap
			sumSq += lap * lap
			count++
		}
	}

	if count == 0 {
		return 0
	}
	mean := sum / float64(count)
	v := sumSq/float64(count) - mean*mean
	if v < 0 {
		v = 0
	}
	return v
}

// textureScore samples pixel neighborhoods on a grid and returns the fraction
// whose 4-neighbor luma differs from the center by more than textureDelta in
// at least 3 of 4 directions. Interference and moire patterns from
// re-photographed screens trip this; natural skin texture does not.
func textureScore(luma []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}

	hits := 0
	samples := 0

	for y := 1; y < h-1; y += textureSampleStep {
		for x := 1; x < w-1; x += textureSampleStep {
			i := y*w + x
			c := luma[i]

			directions := 0
			if math.Abs(luma[i-1]-c) > textureDelta {
				directions++
			}
			if math.Abs(luma[i+1]-c) > textureDelta {
				directions++
			}
			if math.Abs(luma[i-w]-c) > textureDelta {
				directions++
			}
			if math.Abs(luma[i+w]-c) > textureDelta {
				directions++
			}

			if directions >= 3 {
				hits++
			}
			samples++
		}
	}

	if samples == 0 {
		return 0
	}
	return float64(hits) / float64(samples)
}

// hasRectangularEdge scans the top and center rows and columns for a sharp
// sustained luma jump, the signature of a screen border held up to the camera.
func hasRectangularEdge(luma []float64, w, h int) bool {
	if w < 8 || h < 8 {
		return false
	}

	rows := []int{h / 8, h / 2}
	for _, y := range rows {
		if scanLine(luma, w, y*w, 1) {
			return true
		}
	}

	cols := []int{w / 8, w / 2}
	for _, x := range cols {
		if scanLine(luma, h, x, w) {
			return true
		}
	}

	return false
}

// scanLine walks n samples starting at off with the given stride and reports
// whether two adjacent samples differ by more than bezelJump.
func scanLine(luma []float64, n, off, stride int) bool {
	prev := luma[off]
	for i := 1; i < n; i++ {
		cur := luma[off+i*stride]
		if math.Abs(cur-prev) > bezelJump {
			return true
		}
		prev = cur
	}
	return false
}
