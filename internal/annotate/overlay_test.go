package annotate

import (
	"image"
	"image/color"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

func grayFrame(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 128, 128, 128, 255
	}
	return img
}

func TestOverlayDrawsBoxWithoutTouchingSource(t *testing.T) {
	src := grayFrame(200, 120)
	det := types.RawDetection{
		ClassID: 16, ClassName: "dog", Confidence: 0.87,
		BBox: types.BoundingBox{X: 40, Y: 40, W: 80, H: 50},
	}

	out := Overlay(src, []types.RawDetection{det})
	require.Equal(t, src.Bounds(), out.Bounds())

	// left edge of the box carries the class color
	r, g, b, _ := out.At(40, 70).RGBA()
	cr, cg, cb, _ := ClassColor(16).RGBA()
	assert.InDelta(t, cr>>8, r>>8, 40)
	assert.InDelta(t, cg>>8, g>>8, 40)
	assert.InDelta(t, cb>>8, b>>8, 40)

	// box interior is untouched
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(80, 70))
	// source frame is not modified
	assert.Equal(t, color.NRGBA{128, 128, 128, 255}, src.NRGBAAt(40, 70))
}

func TestOverlayNoDetections(t *testing.T) {
	src := grayFrame(64, 48)
	out := Overlay(src, nil)
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(10, 10))
}

func TestClassColorStable(t *testing.T) {
	assert.Equal(t, ClassColor(3), ClassColor(3))
	assert.NotEqual(t, ClassColor(0), ClassColor(1))
}

func TestClassColorNegativeID(t *testing.T) {
	// -1 lands on the hue 360 - 137.508
	want := colorful.Hsv(222.492, 0.85, 0.95).Clamped()
	got, ok := ClassColor(-1).(colorful.Color)
	require.True(t, ok)
	assert.InDelta(t, want.R, got.R, 1e-9)
	assert.InDelta(t, want.G, got.G, 1e-9)
	assert.InDelta(t, want.B, got.B, 1e-9)

	h, _, _ := got.Hsv()
	assert.GreaterOrEqual(t, h, 0.0)
}
