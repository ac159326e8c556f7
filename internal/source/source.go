// Package source owns the active capture device and lets the pipeline replace
// it at runtime.
package source

import (
	"errors"
	"fmt"
	"image"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
)

var (
	// ErrSourceUnavailable means a device could not be opened.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrCaptureFailure is a transient single-frame read failure.
	ErrCaptureFailure = errors.New("capture failure")
	// ErrSourceClosed means the handle was released; reads will not recover.
	ErrSourceClosed = errors.New("source closed")
)

// Device is one open capture handle.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Opener opens a capture device by index.
type Opener interface {
	Open(index int) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(index int) (Device, error)

// Open implements Opener.
func (f OpenerFunc) Open(index int) (Device, error) { return f(index) }

// Source wraps the current device. It is owned by a single goroutine and is
// not safe for concurrent use.
type Source struct {
	opener Opener
	dev    Device
	index  int
	closed bool
}

// Open opens the device at index.
func Open(opener Opener, index int) (*Source, error) {
	dev, err := openDevice(opener, index)
	if err != nil {
		return nil, err
	}
	return &Source{opener: opener, dev: dev, index: index}, nil
}

func openDevice(opener Opener, index int) (Device, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: camera %d", ErrSourceUnavailable, index)
	}
	dev, err := opener.Open(index)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", ErrSourceUnavailable, index, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: camera %d", ErrSourceUnavailable, index)
	}
	return dev, nil
}

// Detached returns a source aimed at index with no device open. Reads fail
// with ErrCaptureFailure until Switch opens one.
func Detached(opener Opener, index int) *Source {
	return &Source{opener: opener, index: index}
}

// Ready reports whether a device is open.
func (s *Source) Ready() bool {
	return !s.closed && s.dev != nil
}

// Index returns the index of the device the source was last asked to use.
func (s *Source) Index() int {
	return s.index
}

// Read captures one frame.
func (s *Source) Read() (image.Image, error) {
	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.dev == nil {
		return nil, fmt.Errorf("%w: no device open", ErrCaptureFailure)
	}

	img, err := s.dev.Read()
	if err != nil {
		if errors.Is(err, ErrSourceClosed) || errors.Is(err, ErrCaptureFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailure, err)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: empty frame", ErrCaptureFailure)
	}
	return img, nil
}

// Switch releases the current device and opens index. There is a gap with no
// device. If index cannot be opened the previous device is reopened and the
// open error is returned.
func (s *Source) Switch(index int) error {
	if s.closed {
		return ErrSourceClosed
	}
	if index == s.index && s.dev != nil {
		return nil
	}

	prev := s.index
	s.release()

	dev, err := openDevice(s.opener, index)
	if err == nil {
		s.dev = dev
		s.index = index
		logger.Info("Source", "Switched to camera: %d", index)
		return nil
	}

	if restored, rerr := openDevice(s.opener, prev); rerr == nil {
		s.dev = restored
	} else {
		logger.Error("Source", "Camera %d could not be reopened: %v", prev, rerr)
	}
	return err
}

// Close releases the device. Safe to call more than once.
func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.release()
}

func (s *Source) release() error {
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	return err
}
