package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/dj-oyu/cyolo-monitor/internal/aggregate"
	"github.com/dj-oyu/cyolo-monitor/internal/config"
	"github.com/dj-oyu/cyolo-monitor/internal/descriptions"
	"github.com/dj-oyu/cyolo-monitor/internal/detector"
	"github.com/dj-oyu/cyolo-monitor/internal/detector/onnx"
	"github.com/dj-oyu/cyolo-monitor/internal/detlog"
	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/internal/metrics"
	"github.com/dj-oyu/cyolo-monitor/internal/pipeline"
	"github.com/dj-oyu/cyolo-monitor/internal/recorder"
	"github.com/dj-oyu/cyolo-monitor/internal/source"
	"github.com/dj-oyu/cyolo-monitor/internal/source/gocvcam"
	"github.com/dj-oyu/cyolo-monitor/internal/webmonitor"
	"github.com/dj-oyu/cyolo-monitor/internal/webrtc"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.InitWithOptions(logger.Options{
		Level: level,
		Color: cfg.Log.Color,
		File:  cfg.Log.File,
	})

	logger.Info("Main", "Detection monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.Warn("Main", "Pipeline running without a camera: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Stopped")
	_ = logger.Close()
}

// loadConfig applies defaults, then the YAML file named by -config, then any
// flags given on the command line.
func loadConfig(args []string) (config.Config, error) {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("cyolo", flag.ExitOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
		// flags win over the file
		if err := fs.Parse(args); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.IntVar(&cfg.Camera.Index, "camera", cfg.Camera.Index, "Initial camera index")
	fs.StringVar(&cfg.Camera.Backend, "backend", cfg.Camera.Backend, "Capture backend (gocv, pattern)")
	fs.Func("cameras", "Camera indexes offered by the UI (comma-separated)", func(v string) error {
		choices, err := parseInts(v)
		if err != nil {
			return err
		}
		cfg.Camera.Choices = choices
		return nil
	})

	fs.StringVar(&cfg.Model.Dir, "model-dir", cfg.Model.Dir, "Directory containing .onnx models")
	fs.StringVar(&cfg.Model.Default, "model", cfg.Model.Default, "Initial model file name")
	fs.StringVar(&cfg.Model.Descriptions, "descriptions", cfg.Model.Descriptions, "Model description CSV")

	fs.IntVar(&cfg.Pipeline.Width, "width", cfg.Pipeline.Width, "Output frame width")
	fs.IntVar(&cfg.Pipeline.Height, "height", cfg.Pipeline.Height, "Output frame height")
	fs.IntVar(&cfg.Pipeline.TargetFPS, "fps", cfg.Pipeline.TargetFPS, "Target frames per second")
	fs.Float64Var(&cfg.Pipeline.Confidence, "confidence", cfg.Pipeline.Confidence, "Initial confidence threshold (0-1)")
	fs.BoolVar(&cfg.Pipeline.Mirror, "mirror", cfg.Pipeline.Mirror, "Mirror frames horizontally")

	fs.IntVar(&cfg.Log.Capacity, "log-capacity", cfg.Log.Capacity, "Detection log capacity")
	fs.StringVar(&cfg.Log.CSVPath, "csv", cfg.Log.CSVPath, "Persisted detection table (empty disables)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.Log.Color, "log-color", cfg.Log.Color, "Enable colored log output")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "Rotating log file (empty disables)")

	fs.StringVar(&cfg.HTTP.Addr, "http", cfg.HTTP.Addr, "HTTP server address")
	fs.StringVar(&cfg.HTTP.MetricsAddr, "metrics", cfg.HTTP.MetricsAddr, "Metrics server address (empty disables)")
	fs.StringVar(&cfg.HTTP.PprofAddr, "pprof", cfg.HTTP.PprofAddr, "pprof server address (empty disables)")
	fs.StringVar(&cfg.HTTP.STUN, "stun", cfg.HTTP.STUN, "STUN server URLs (comma-separated)")
	fs.IntVar(&cfg.HTTP.MaxPeers, "max-peers", cfg.HTTP.MaxPeers, "Maximum WebRTC peers (0 disables WebRTC)")

	fs.DurationVar(&cfg.Aggregate.Interval, "scatter-interval", cfg.Aggregate.Interval, "Scatter view refresh interval")
	fs.StringVar(&cfg.Aggregate.Output, "scatter-out", cfg.Aggregate.Output, "Write the scatter PNG here (empty disables)")

	fs.StringVar(&cfg.Recording.Path, "record-path", cfg.Recording.Path, "Recording output path")
}

func parseInts(v string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// App owns every long-lived component of the daemon.
type App struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc

	metrics  *metrics.Metrics
	models   *detector.Registry
	catalog  *detector.Catalog
	worker   *pipeline.Worker
	scatter  *aggregate.View
	recorder *recorder.Recorder
	webrtc   *webrtc.Server
	monitor  *webmonitor.Server

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewApp wires the components. Nothing runs until Start.
func NewApp(cfg config.Config) (*App, error) {
	shared, err := config.NewShared(cfg.Runtime())
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	descs, err := descriptions.Load(cfg.Model.Descriptions)
	if err != nil {
		logger.Warn("Main", "%v", err)
	}

	catalog := detector.NewCatalog(cfg.Model.Dir, ".onnx")
	models := detector.NewRegistry(onnx.Loader{Dir: cfg.Model.Dir})
	if err := models.Swap(cfg.Model.Default); err != nil {
		// the worker keeps the model error visible in its status
		logger.Warn("Main", "Initial model %s: %v", cfg.Model.Default, err)
	}

	var opener source.Opener = gocvcam.Opener{}
	if cfg.Camera.Backend == "pattern" {
		opener = source.PatternOpener{Width: cfg.Pipeline.Width, Height: cfg.Pipeline.Height}
	}

	detections := detlog.New(cfg.Log.Capacity, cfg.Log.CSVPath)
	worker := pipeline.New(shared, opener, models, detections, m, pipeline.Options{
		Width:     cfg.Pipeline.Width,
		Height:    cfg.Pipeline.Height,
		CycleTime: cfg.Pipeline.CycleTime(),
	})

	var plotSource aggregate.Snapshotter = detections
	if cfg.Log.CSVPath != "" {
		plotSource = aggregate.TableFile(cfg.Log.CSVPath)
	}
	scatter := aggregate.NewView(plotSource, cfg.Aggregate.Interval, cfg.Aggregate.Output)

	rec := recorder.NewRecorder(cfg.Recording.Path, m)

	var rtc *webrtc.Server
	if cfg.HTTP.MaxPeers > 0 {
		rtc = webrtc.NewServer(splitList(cfg.HTTP.STUN), cfg.HTTP.MaxPeers, m)
	}

	mcfg := webmonitor.DefaultConfig()
	mcfg.Addr = cfg.HTTP.Addr
	mcfg.Cameras = cfg.Camera.Choices
	deps := webmonitor.Deps{
		Config:       shared,
		Pipeline:     worker,
		Models:       models,
		Catalog:      catalog,
		Descriptions: descs,
		Log:          detections,
		Scatter:      scatter,
		Recorder:     rec,
		WebRTC:       rtc,
		Metrics:      m,
	}
	monitor, err := webmonitor.NewServer(mcfg, deps)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		metrics:    m,
		models:     models,
		catalog:    catalog,
		worker:     worker,
		scatter:    scatter,
		recorder:   rec,
		webrtc:     rtc,
		monitor:    monitor,
		httpServer: &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: monitor.Handler(),
			// open streams end when the app context is cancelled
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
	}
	if cfg.HTTP.MetricsAddr != "" {
		app.metricsServer = m.NewServer(cfg.HTTP.MetricsAddr)
	}
	return app, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Start launches the servers and the pipeline. A camera open error is
// returned, but the pipeline keeps running and picks up the next camera
// selected through the monitor.
func (a *App) Start() error {
	logger.Info("Main", "  HTTP server: %s", a.cfg.HTTP.Addr)
	logger.Info("Main", "  Models: %s (%d found)", a.cfg.Model.Dir, len(a.catalog.Models()))
	logger.Info("Main", "  Detection table: %s", a.cfg.Log.CSVPath)

	if err := a.catalog.Watch(a.ctx); err != nil {
		logger.Warn("Main", "Not watching %s: %v", a.cfg.Model.Dir, err)
	}
	go a.scatter.Run(a.ctx)

	if a.cfg.HTTP.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", a.cfg.HTTP.PprofAddr)
			if err := http.ListenAndServe(a.cfg.HTTP.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	return a.worker.Start()
}

// Shutdown stops the pipeline before the surfaces that consume it.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.worker.Stop()
	a.monitor.Close()
	a.cancel()

	var err error
	err = multierr.Append(err, a.httpServer.Shutdown(ctx))
	if a.metricsServer != nil {
		err = multierr.Append(err, a.metricsServer.Shutdown(ctx))
	}
	err = multierr.Append(err, a.recorder.Close())
	if a.webrtc != nil {
		err = multierr.Append(err, a.webrtc.Close())
	}
	a.models.Close()
	return err
}
