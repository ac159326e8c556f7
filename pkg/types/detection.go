package types

import (
	"image"
	"time"
)

// TimestampLayout is the fixed, second-resolution format of Detection.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// BoundingBox is an axis-aligned box in frame pixel coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// RawDetection is one result row returned by a detection backend.
type RawDetection struct {
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// Detection is a logged detection event. Immutable once created.
type Detection struct {
	Timestamp string `json:"time"`
	ClassID   int    `json:"class_id"`
	ClassName string `json:"class_name"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// NewDetection builds a log record from a backend row observed at t.
func NewDetection(t time.Time, raw RawDetection) Detection {
	return Detection{
		Timestamp: t.Format(TimestampLayout),
		ClassID:   raw.ClassID,
		ClassName: raw.ClassName,
		X:         raw.BBox.X,
		Y:         raw.BBox.Y,
		Width:     raw.BBox.W,
		Height:    raw.BBox.H,
	}
}
