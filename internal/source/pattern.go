package source

import (
	"image"
	"image/color"
	"image/draw"
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// PatternOpener produces synthetic color-bar devices with a moving square,
// for running without a camera.
type PatternOpener struct {
	Width  int
	Height int
}

// Open implements Opener. The index shifts the bar phase so switching cameras
// is visible.
func (p PatternOpener) Open(index int) (Device, error) {
	w, h := p.Width, p.Height
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}
	return &patternDevice{width: w, height: h, phase: index}, nil
}

type patternDevice struct {
	width, height int
	phase         int
	tick          int
	closed        bool
}

func (d *patternDevice) Read() (image.Image, error) {
	if d.closed {
		return nil, ErrSourceClosed
	}

	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	barWidth := max(1, d.width/len(barColors))
	for i := range barColors {
		c := barColors[(i+d.phase)%len(barColors)]
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, d.height)
		if i == len(barColors)-1 {
			r.Max.X = d.width
		}
		draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}

	size := max(8, d.height/6)
	x := (d.tick * 4) % max(1, d.width-size)
	y := d.height/2 - size/2
	draw.Draw(img, image.Rect(x, y, x+size, y+size), &image.Uniform{C: color.RGBA{R: 128, G: 128, B: 128, A: 255}}, image.Point{}, draw.Src)
	d.tick++

	return img, nil
}

func (d *patternDevice) Close() error {
	d.closed = true
	return nil
}
