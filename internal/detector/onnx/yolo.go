// Package onnx runs YOLOv8 ONNX models through the OpenCV DNN module.
package onnx

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/cyolo-monitor/internal/detector"
	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

const (
	inputSize    = 640
	iouThreshold = 0.45
)

// Loader loads models from Dir.
type Loader struct {
	Dir string
}

// Load implements detector.Loader.
func (l Loader) Load(modelID string) (detector.Capability, error) {
	path := filepath.Join(l.Dir, filepath.Base(modelID))
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("opencv could not parse %s", path)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	names := loadNames(strings.TrimSuffix(path, filepath.Ext(path)) + ".names")
	logger.Info("ONNX", "Loaded %s (%d classes)", path, len(names))
	return &model{net: net, names: names}, nil
}

// loadNames reads one class name per line, falling back to COCO.
func loadNames(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return detector.COCOClasses
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	if sc.Err() != nil || len(names) == 0 {
		return detector.COCOClasses
	}
	return names
}

type model struct {
	mu    sync.Mutex
	net   gocv.Net
	names []string
}

// Infer runs one forward pass. Output layout is [1, 4+classes, anchors].
func (m *model) Infer(frame image.Image, confidence float64) ([]types.RawDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	blob := gocv.BlobFromImage(src, 1.0/255.0, image.Pt(inputSize, inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	attrs, anchors := dims[1], dims[2]
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, err
	}

	b := frame.Bounds()
	sx := float64(b.Dx()) / inputSize
	sy := float64(b.Dy()) / inputSize

	var dets []types.RawDetection
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if s := data[c*anchors+i]; s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || float64(bestScore) < confidence {
			continue
		}
		cx := float64(data[0*anchors+i])
		cy := float64(data[1*anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])
		dets = append(dets, types.RawDetection{
			ClassID:    best,
			ClassName:  detector.ClassName(m.names, best),
			Confidence: float64(bestScore),
			BBox: types.BoundingBox{
				X: int((cx - w/2) * sx),
				Y: int((cy - h/2) * sy),
				W: int(w * sx),
				H: int(h * sy),
			},
		})
	}
	return detector.NMS(dets, iouThreshold), nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}
