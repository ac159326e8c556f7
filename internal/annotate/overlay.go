// Package annotate draws detection overlays onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

const (
	labelSize = 14
	lineWidth = 2
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// ClassColor returns a stable, well separated color for a class id.
func ClassColor(classID int) color.Color {
	// golden-angle hue stepping
	h := math.Mod(float64(classID)*137.508, 360)
	if h < 0 {
		h += 360
	}
	return colorful.Hsv(h, 0.85, 0.95).Clamped()
}

// Overlay returns a copy of img with a box and a "name conf" label per detection.
func Overlay(img image.Image, dets []types.RawDetection) *image.RGBA {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: labelSize}))
	dc.SetLineWidth(lineWidth)

	for _, d := range dets {
		c := ClassColor(d.ClassID)
		r := d.BBox.Rect()

		dc.SetColor(c)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
		tw, th := dc.MeasureString(label)
		ly := float64(r.Min.Y) - th - 4
		if ly < 0 {
			ly = float64(r.Min.Y)
		}
		dc.DrawRectangle(float64(r.Min.X), ly, tw+6, th+4)
		dc.Fill()

		dc.SetColor(color.Black)
		dc.DrawStringAnchored(label, float64(r.Min.X)+3, ly+2, 0, 1)
	}

	// gg always backs its context with *image.RGBA
	return dc.Image().(*image.RGBA)
}
