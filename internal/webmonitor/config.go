package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr              string
	AssetsDir         string
	JPEGQuality       int
	StatusInterval    time.Duration
	KeepaliveInterval time.Duration
	IdleFrameTimeout  time.Duration
	Cameras           []int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		AssetsDir:         "./web_assets",
		JPEGQuality:       80,
		StatusInterval:    2 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		IdleFrameTimeout:  5 * time.Second,
		Cameras:           []int{0, 1, 2, 3},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.IdleFrameTimeout <= 0 {
		c.IdleFrameTimeout = d.IdleFrameTimeout
	}
	if len(c.Cameras) == 0 {
		c.Cameras = d.Cameras
	}
	return c
}
