package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hashicorp/go-envparse"

	"sphynx/domain"
)

// recognized is the exact options table from spec.md §6.
var recognized = map[string]struct{}{
	"IO.Workers":                   {},
	"IO.BufferCount":               {},
	"IO.MTU":                       {},
	"Sphynx.TickIntervalMsec":      {},
	"Sphynx.DisconnectTimeoutMsec": {},
	"Sphynx.KeepaliveMsec":         {},
	"Sphynx.MaxRetries":            {},
	"FlowControl.BandwidthLowBps":  {},
	"FlowControl.BandwidthHighBps": {},
	"Log.Level":                    {},
}

// Load reads path (Settings.cfg), falling back to Defaults for any option
// not present in the file. A ConfigError (domain.KindConfig) is returned
// for a missing file, an unrecognized key, or a malformed value — config
// errors are fatal at startup per spec.md §7.
func Load(path string) (Config, error) {
	cfg := Defaults(runtime.NumCPU())

	f, err := os.Open(path)
	if err != nil {
		return cfg, domain.Wrap(domain.KindConfig, "open settings file", fmt.Errorf("%s: %w", path, err))
	}
	defer f.Close()

	entries, err := envparse.Parse(f)
	if err != nil {
		return cfg, domain.Wrap(domain.KindConfig, "parse settings file", err)
	}

	for key, value := range entries {
		if _, ok := recognized[key]; !ok {
			return cfg, domain.Wrap(domain.KindConfig, "unknown setting", fmt.Errorf("%w: %s", ErrUnknownSetting, key))
		}
		if err := apply(&cfg, key, value); err != nil {
			return cfg, domain.Wrap(domain.KindConfig, "invalid setting", fmt.Errorf("%s=%s: %w", key, value, err))
		}
	}

	return cfg, nil
}

func apply(cfg *Config, key, value string) error {
	switch key {
	case "IO.Workers":
		return setInt(&cfg.IOWorkers, value)
	case "IO.BufferCount":
		return setInt(&cfg.IOBufferCount, value)
	case "IO.MTU":
		return setInt(&cfg.IOMTU, value)
	case "Sphynx.TickIntervalMsec":
		return setMsec(&cfg.TickInterval, value)
	case "Sphynx.DisconnectTimeoutMsec":
		return setMsec(&cfg.DisconnectTime, value)
	case "Sphynx.KeepaliveMsec":
		return setMsec(&cfg.KeepaliveTime, value)
	case "Sphynx.MaxRetries":
		return setInt(&cfg.MaxRetries, value)
	case "FlowControl.BandwidthLowBps":
		return setInt64(&cfg.BandwidthLow, value)
	case "FlowControl.BandwidthHighBps":
		return setInt64(&cfg.BandwidthHigh, value)
	case "Log.Level":
		if _, ok := validLevel(value); !ok {
			return fmt.Errorf("%w: %s", ErrInvalidValue, value)
		}
		cfg.LogLevel = value
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
}

func validLevel(s string) (string, bool) {
	switch s {
	case "INANE", "INFO", "WARN", "FATAL":
		return s, true
	default:
		return "", false
	}
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidValue, value)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidValue, value)
	}
	*dst = n
	return nil
}

func setMsec(dst *time.Duration, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidValue, value)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
