// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of the fdi command-line tool from a TOML
// or YAML file.
//
// A configuration file looks like this (in TOML):
//
//	[device]
//	vendor_id = 0x0483
//	product_id = 0x5710
//	timeout = "10s"
//
//	[log]
//	level = "debug"
//
//	[fs]
//	storage = "Storage1"
//
// Settings not given in the file keep their default values. The environment
// variable FDI_LOG_LEVEL, if set, overrides the log level.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/flashfs"
	"github.com/fireflydesign/portal/transport/hid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// LogLevelEnv is the name of the environment variable that overrides the
// configured log level.
const LogLevelEnv = "FDI_LOG_LEVEL"

// Config is the complete configuration of the tool.
type Config struct {
	Device Device `toml:"device" yaml:"device"`
	Log    Log    `toml:"log" yaml:"log"`
	FS     FS     `toml:"fs" yaml:"fs"`
}

// Device selects and configures the instrument device.
type Device struct {
	VendorID  uint16 `toml:"vendor_id" yaml:"vendor_id"`
	ProductID uint16 `toml:"product_id" yaml:"product_id"`
	Serial    string `toml:"serial" yaml:"serial"`       // if empty, the first device found
	FrameSize int    `toml:"frame_size" yaml:"frame_size"` // bytes per report
	Timeout   string `toml:"timeout" yaml:"timeout"`       // portal read timeout, e.g. "10s"
}

// ReadTimeout reports the parsed portal read timeout. It reports zero if the
// timeout is empty or invalid.
func (d Device) ReadTimeout() time.Duration {
	v, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 0
	}
	return v
}

// Log configures logging.
type Log struct {
	Level       string `toml:"level" yaml:"level"`             // a zap level name
	Development bool   `toml:"development" yaml:"development"` // human-readable console output
}

// FS configures the flash file system of the storage instrument.
type FS struct {
	Storage            string `toml:"storage" yaml:"storage"` // instrument name
	Size               int    `toml:"size" yaml:"size"`
	SectorSize         int    `toml:"sector_size" yaml:"sector_size"`
	MinimumSectorCount int    `toml:"minimum_sector_count" yaml:"minimum_sector_count"`
}

// Options returns file system options corresponding to f, logging to log.
func (f FS) Options(log *zap.Logger) *flashfs.Options {
	return &flashfs.Options{
		Size:               f.Size,
		SectorSize:         f.SectorSize,
		MinimumSectorCount: f.MinimumSectorCount,
		Logger:             log,
	}
}

// Default returns a configuration with default settings.
func Default() *Config {
	return &Config{
		Device: Device{
			VendorID:  hid.VendorID,
			ProductID: hid.ProductID,
			FrameSize: portal.DefaultFrameSize,
			Timeout:   portal.DefaultTimeout.String(),
		},
		Log: Log{Level: "info"},
		FS: FS{
			Storage:            "Storage1",
			Size:               flashfs.DefaultSize,
			SectorSize:         flashfs.DefaultSectorSize,
			MinimumSectorCount: flashfs.DefaultMinimumSectorCount,
		},
	}
}

// Load reads the configuration file at path, whose format is chosen by its
// extension (.toml, .yaml, or .yml), applies the environment override, and
// validates the result. If path is empty, Load returns the defaults with the
// environment override applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := cfg.parse(data, filepath.Ext(path)); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if lvl, ok := os.LookupEnv(LogLevelEnv); ok && lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the given format ("toml" or "yaml") over the
// defaults, and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	if err := cfg.parse(data, "."+format); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte, ext string) error {
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(c)
		if err != nil {
			return err
		}
		if keys := md.Undecoded(); len(keys) != 0 {
			return fmt.Errorf("unknown settings: %v", keys)
		}
		return nil
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown config format %q", ext)
	}
}

// Validate reports an error if c is not a usable configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.FrameSize < 2 || c.Device.FrameSize > hid.ReportSize {
		errs = append(errs, fmt.Errorf("device frame_size %d out of range 2..%d", c.Device.FrameSize, hid.ReportSize))
	}
	if d, err := time.ParseDuration(c.Device.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("device timeout: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("device timeout %v must be positive", d))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if strings.TrimSpace(c.FS.Storage) == "" {
		errs = append(errs, errors.New("fs storage instrument name is required"))
	}
	if c.FS.SectorSize < flashfs.PageSize || c.FS.SectorSize&(c.FS.SectorSize-1) != 0 {
		errs = append(errs, fmt.Errorf("fs sector_size %d must be a power of two ≥ %d", c.FS.SectorSize, flashfs.PageSize))
	} else if c.FS.Size < c.FS.SectorSize || c.FS.Size%c.FS.SectorSize != 0 {
		errs = append(errs, fmt.Errorf("fs size %d must be a positive multiple of sector_size %d", c.FS.Size, c.FS.SectorSize))
	}
	if c.FS.MinimumSectorCount < 1 {
		errs = append(errs, fmt.Errorf("fs minimum_sector_count %d must be positive", c.FS.MinimumSectorCount))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// NewLogger constructs a logger with the configured level and encoding.
func (l Log) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
