// Package config loads Settings.cfg (spec.md §6): plain "key = value" text
// recognized as the options table spec.md documents. Parsing is delegated
// to github.com/hashicorp/go-envparse, which already implements exactly
// that grammar for .env-style files (used the same way by R2Northstar-Atlas
// to load its own plain key=value config).
package config

import "time"

// Config is a plain value, constructed once by Load and threaded explicitly
// through Server/Client/Worker constructors — never a package singleton
// (DESIGN NOTES §9: "Configuration is a value, not a registry").
type Config struct {
	IOWorkers      int
	IOBufferCount  int
	IOMTU          int
	TickInterval   time.Duration
	DisconnectTime time.Duration
	KeepaliveTime  time.Duration
	MaxRetries     int
	BandwidthLow   int64
	BandwidthHigh  int64
	LogLevel       string
}

// Defaults mirrors the "default" column of spec.md §6's options table.
func Defaults(numCPU int) Config {
	if numCPU < 1 {
		numCPU = 1
	}
	return Config{
		IOWorkers:      numCPU,
		IOBufferCount:  10000,
		IOMTU:          1350,
		TickInterval:   20 * time.Millisecond,
		DisconnectTime: 15 * time.Second,
		KeepaliveTime:  2 * time.Second,
		MaxRetries:     8,
		BandwidthLow:   10000,
		BandwidthHigh:  100000000,
		LogLevel:       "INFO",
	}
}
