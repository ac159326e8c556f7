package types

import (
	"image"
	"time"
)

// Frame is one captured picture travelling through the pipeline.
// The producer hands it to the next stage and keeps no reference.
type Frame struct {
	Image     *image.NRGBA // Pixel buffer at the target presentation size
	Number    uint64       // Sequential frame number within one pipeline run
	Timestamp time.Time    // Capture time
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
