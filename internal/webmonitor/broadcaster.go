package webmonitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/internal/metrics"
	"github.com/dj-oyu/cyolo-monitor/internal/pipeline"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// FrameSink receives every encoded frame, e.g. the recorder.
type FrameSink interface {
	IsRecording() bool
	SendFrame(jpeg []byte) bool
}

// FrameBroadcaster encodes annotated frames to JPEG once and fans them out
// to MJPEG clients and the recorder.
type FrameBroadcaster struct {
	src     Pipeline
	sink    FrameSink
	quality int
	hub     *pipeline.Hub[[]byte]
	m       *metrics.Metrics

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewFrameBroadcaster creates a broadcaster over src. sink and m may be nil.
func NewFrameBroadcaster(src Pipeline, sink FrameSink, quality int, m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		src:     src,
		sink:    sink,
		quality: quality,
		hub:     pipeline.NewHub[[]byte]("FrameBroadcaster", 2),
		m:       m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	id, ch := fb.hub.Subscribe()
	fb.updateClients()
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.hub.Unsubscribe(id)
	fb.updateClients()
	if fb.hub.Len() == 0 {
		logger.Debug("FrameBroadcaster", "No clients remaining - frame encoding will be skipped")
	}
}

func (fb *FrameBroadcaster) updateClients() {
	if fb.m != nil {
		fb.m.StreamClients.Store(uint64(fb.hub.Len()))
	}
}

// Start begins the encode and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	id, frames := fb.src.SubscribeFrames()
	go fb.run(id, frames)
}

// Stop halts the broadcaster and disconnects clients.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	if fb.stopped {
		fb.mu.Unlock()
		return
	}
	close(fb.stop)
	fb.stopped = true
	fb.mu.Unlock()

	<-fb.done
	fb.hub.Close()
}

func (fb *FrameBroadcaster) run(id int, frames <-chan *types.Frame) {
	defer close(fb.done)
	defer fb.src.UnsubscribeFrames(id)

	for {
		select {
		case <-fb.stop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			recording := fb.sink != nil && fb.sink.IsRecording()
			if fb.hub.Len() == 0 && !recording {
				continue
			}

			data, err := encodeJPEG(frame.Image, fb.quality)
			if err != nil {
				logger.Warn("FrameBroadcaster", "JPEG encode failed for frame #%d: %v", frame.Number, err)
				continue
			}
			fb.hub.Publish(data)
			if recording {
				fb.sink.SendFrame(data)
			}
		}
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // JSON object
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// EventSink receives JSON-encoded detection events, e.g. WebRTC peers.
type EventSink interface {
	SendEvent(payload []byte)
}

// DetectionBroadcaster serializes detection events once and fans them out
// to SSE clients and the event sink.
type DetectionBroadcaster struct {
	src  Pipeline
	sink EventSink
	hub  *pipeline.Hub[*SerializedEvent]
	m    *metrics.Metrics

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewDetectionBroadcaster creates a broadcaster over src. sink and m may be nil.
func NewDetectionBroadcaster(src Pipeline, sink EventSink, m *metrics.Metrics) *DetectionBroadcaster {
	return &DetectionBroadcaster{
		src:  src,
		sink: sink,
		hub:  pipeline.NewHub[*SerializedEvent]("DetectionBroadcaster", 8),
		m:    m,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving detection events.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	id, ch := db.hub.Subscribe()
	db.updateClients()
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.hub.Unsubscribe(id)
	db.updateClients()
}

func (db *DetectionBroadcaster) updateClients() {
	if db.m != nil {
		db.m.EventClients.Store(uint64(db.hub.Len()))
	}
}

// Start begins the detection event loop.
func (db *DetectionBroadcaster) Start() {
	id, events := db.src.SubscribeEvents()
	go db.run(id, events)
}

// Stop halts the broadcaster and disconnects clients.
func (db *DetectionBroadcaster) Stop() {
	db.mu.Lock()
	if db.stopped {
		db.mu.Unlock()
		return
	}
	close(db.stop)
	db.stopped = true
	db.mu.Unlock()

	<-db.done
	db.hub.Close()
}

func (db *DetectionBroadcaster) run(id int, events <-chan pipeline.Event) {
	defer close(db.done)
	defer db.src.UnsubscribeEvents(id)

	for {
		select {
		case <-db.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if db.hub.Len() == 0 && db.sink == nil {
				continue
			}
			serialized, err := serializeEvent(ev)
			if err != nil {
				logger.Error("DetectionBroadcaster", "Serialize frame #%d: %v", ev.FrameNumber, err)
				continue
			}
			db.hub.Publish(serialized)
			if db.sink != nil {
				db.sink.SendEvent(serialized.JSONData)
			}
		}
	}
}

// serializeEvent encodes an event as JSON and as a base64 protobuf Struct.
func serializeEvent(ev pipeline.Event) (*SerializedEvent, error) {
	payload := eventPayload(ev)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	pbEvent, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(pbEvent)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
