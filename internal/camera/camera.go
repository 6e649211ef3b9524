// Package camera provides V4L2 video capture producing RGBA frames for the
// liveness pipeline.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"github.com/shiftwatch/shiftwatch/internal/config"
	"github.com/shiftwatch/shiftwatch/internal/liveness"
)

// rawFrame is one buffer pulled off the device before conversion.
type rawFrame struct {
	data      []byte
	format    v4l2.FourCCType
	timestamp time.Time
}

// Camera wraps a V4L2 device and implements liveness.FrameSource. Frames
// are decoded to RGBA on capture so the analyzers see one format only.
type Camera struct {
	device    *device.Device
	config    config.CameraConfig
	frameChan chan *rawFrame
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	logger    *logrus.Logger
}

// New opens the configured V4L2 device.
func New(cfg config.CameraConfig, logger *logrus.Logger) (*Camera, error) {
	dev, err := device.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera device %s: %w", cfg.Device, err)
	}

	return &Camera{
		device:    dev,
		config:    cfg,
		frameChan: make(chan *rawFrame, 4),
		logger:    logger,
	}, nil
}

// Start begins video capture.
func (c *Camera) Start() error {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.device.Start(c.ctx); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}

	go c.captureLoop()

	c.logger.Infof("Camera %s streaming at %dx%d (%s)",
		c.config.Device, c.config.Width, c.config.Height, c.config.PixelFormat)
	return nil
}

// Stop stops video capture.
func (c *Camera) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}

	if c.device != nil {
		if err := c.device.Stop(); err != nil {
			return fmt.Errorf("failed to stop camera: %w", err)
		}
	}

	return nil
}

// Close releases camera resources.
func (c *Camera) Close() error {
	_ = c.Stop()

	if c.device != nil {
		return c.device.Close()
	}
	return nil
}

// CaptureFrame returns the next frame converted to RGBA. Implements
// liveness.FrameSource.
func (c *Camera) CaptureFrame() (liveness.Frame, error) {
	c.mu.RLock()
	ch := c.frameChan
	c.mu.RUnlock()

	select {
	case raw, ok := <-ch:
		if !ok {
			return liveness.Frame{}, fmt.Errorf("camera stream closed")
		}
		return c.toRGBA(raw)
	case <-time.After(5 * time.Second):
		return liveness.Frame{}, fmt.Errorf("timed out waiting for camera frame")
	}
}

// captureLoop continuously pulls device buffers into the frame channel with a
// drop-oldest strategy so a slow consumer never builds up stale frames.
func (c *Camera) captureLoop() {
	output := c.device.GetOutput()
	format := c.pixelFormat()

	for {
		select {
		case <-c.ctx.Done():
			close(c.frameChan)
			return
		case buf, ok := <-output:
			if !ok {
				close(c.frameChan)
				return
			}

			dataCopy := make([]byte, len(buf))
			copy(dataCopy, buf)

			frame := &rawFrame{
				data:      dataCopy,
				format:    format,
				timestamp: time.Now(),
			}

			select {
			case c.frameChan <- frame:
			case <-c.ctx.Done():
				return
			default:
				// Channel full: drop the oldest frame and retry once.
				select {
				case <-c.frameChan:
				default:
				}
				select {
				case c.frameChan <- frame:
				default:
				}
			}
		}
	}
}

func (c *Camera) pixelFormat() v4l2.FourCCType {
	switch c.config.PixelFormat {
	case "GREY":
		return v4l2.PixelFmtGrey
	case "YUYV":
		return v4l2.PixelFmtYUYV
	case "RGB24":
		return v4l2.PixelFmtRGB24
	case "MJPEG", "":
		return v4l2.PixelFmtMJPEG
	default:
		return v4l2.PixelFmtGrey
	}
}

// toRGBA converts a raw device buffer to the liveness pipeline's RGBA layout.
func (c *Camera) toRGBA(raw *rawFrame) (liveness.Frame, error) {
	w, h := c.config.Width, c.config.Height

	switch raw.format {
	case v4l2.PixelFmtMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(raw.data))
		if err != nil {
			return liveness.Frame{}, fmt.Errorf("failed to decode MJPEG frame: %w", err)
		}
		return imageToFrame(img), nil
	case v4l2.PixelFmtYUYV:
		return yuyvToFrame(raw.data, w, h), nil
	case v4l2.PixelFmtRGB24:
		return rgb24ToFrame(raw.data, w, h), nil
	case v4l2.PixelFmtGrey:
		return greyToFrame(raw.data, w, h), nil
	default:
		return liveness.Frame{}, fmt.Errorf("unsupported pixel format: %v", raw.format)
	}
}

func imageToFrame(img image.Image) liveness.Frame {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return liveness.Frame{Pix: rgba.Pix, Width: b.Dx(), Height: b.Dy()}
}

func yuyvToFrame(data []byte, width, height int) liveness.Frame {
	pix := make([]byte, width*height*4)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 2 {
			// YUYV packs 2 pixels into 4 bytes.
			idx := (y*width + x) * 2
			if idx+3 >= len(data) {
				break
			}

			y0 := int(data[idx])
			u := int(data[idx+1]) - 128
			y1 := int(data[idx+2])
			v := int(data[idx+3]) - 128

			r0, g0, b0 := yuvToRGB(y0, u, v)
			setPixel(pix, width, x, y, r0, g0, b0)
			if x+1 < width {
				r1, g1, b1 := yuvToRGB(y1, u, v)
				setPixel(pix, width, x+1, y, r1, g1, b1)
			}
		}
	}

	return liveness.Frame{Pix: pix, Width: width, Height: height}
}

// yuvToRGB applies the BT.601 conversion.
func yuvToRGB(y, u, v int) (uint8, uint8, uint8) {
	c := y - 16

	r := (298*c + 409*v + 128) >> 8
	g := (298*c - 100*u - 208*v + 128) >> 8
	b := (298*c + 516*u + 128) >> 8

	return clampUint8(r), clampUint8(g), clampUint8(b)
}

func clampUint8(val int) uint8 {
	if val < 0 {
		return 0
	}
	if val > 255 {
		return 255
	}
	return uint8(val)
}

func setPixel(pix []byte, width, x, y int, r, g, b uint8) {
	off := (y*width + x) * 4
	pix[off] = r
	pix[off+1] = g
	pix[off+2] = b
	pix[off+3] = 255
}

func rgb24ToFrame(data []byte, width, height int) liveness.Frame {
	pix := make([]byte, width*height*4)

	for i := 0; i < width*height; i++ {
		src := i * 3
		if src+2 >= len(data) {
			break
		}
		dst := i * 4
		pix[dst] = data[src]
		pix[dst+1] = data[src+1]
		pix[dst+2] = data[src+2]
		pix[dst+3] = 255
	}

	return liveness.Frame{Pix: pix, Width: width, Height: height}
}

func greyToFrame(data []byte, width, height int) liveness.Frame {
	pix := make([]byte, width*height*4)

	for i := 0; i < width*height && i < len(data); i++ {
		dst := i * 4
		pix[dst] = data[i]
		pix[dst+1] = data[i]
		pix[dst+2] = data[i]
		pix[dst+3] = 255
	}

	return liveness.Frame{Pix: pix, Width: width, Height: height}
}
