// Package gocvcam opens local cameras through OpenCV.
package gocvcam

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/internal/source"
)

// Opener opens OpenCV video capture devices by index.
type Opener struct{}

// Open implements source.Opener.
func (Opener) Open(index int) (source.Device, error) {
	vc, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %d did not open", index)
	}
	logger.Info("Camera", "Opened camera %d (%.0fx%.0f)", index,
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight))
	return &device{vc: vc, mat: gocv.NewMat(), index: index}, nil
}

type device struct {
	vc    *gocv.VideoCapture
	mat   gocv.Mat
	index int
}

func (d *device) Read() (image.Image, error) {
	if d.vc == nil {
		return nil, source.ErrSourceClosed
	}
	if ok := d.vc.Read(&d.mat); !ok {
		return nil, errors.New("read returned no frame")
	}
	if d.mat.Empty() {
		return nil, errors.New("empty frame")
	}
	// ToImage converts OpenCV's BGR order to RGBA
	return d.mat.ToImage()
}

func (d *device) Close() error {
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.mat.Close()
	d.vc = nil
	logger.Debug("Camera", "Released camera %d", d.index)
	return err
}
