// Package config defines the engine's validated configuration surface.
// TOML parsing and environment-variable merging are an out-of-scope
// external collaborator: this package only consumes an
// already-populated Config struct and gates it through Validate before
// use, with no file-loading path, since that responsibility sits outside
// the engine's boundary.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"logengine/pkg/errkind"
)

// Level mirrors pkg/record.Level as a plain string here to keep this
// package free of a dependency the caller's loader may not want; Validate
// checks it against the same fixed set.
type GlobalConfig struct {
	Level          string // minimum admitted level
	Format         string // template string, see pkg/template
	MaskingEnabled bool
}

type ConsoleConfig struct {
	Enabled      bool
	Colored      bool
	StderrLevels []string // levels routed to stderr instead of stdout
}

type FileConfig struct {
	Enabled                bool
	Path                   string
	MaxSize                string // human size, e.g. "100MB"; "" = no size trigger
	RotationTime           string // "hourly" | "daily" | "weekly" | "" = no time trigger
	KeepFiles              int    // 0 = unbounded (retention_days/max_total_size still apply)
	Compress               bool
	CompressionLevel       int // 1-22, zstd
	Encrypt                bool
	EncryptionKeyEnv       string
	RetentionDays          int
	MaxTotalSize           string
	CleanupIntervalMinutes int
}

type DatabaseConfig struct {
	Enabled         bool
	Driver          string // "postgres" | "mysql" | "sqlite"
	URL             string
	PoolSize        int
	BatchSize       int
	FlushIntervalMs int
	TableName       string
}

type PerformanceConfig struct {
	ChannelCapacity int
	WorkerThreads   int // advisory; the engine always runs one worker per enabled non-console sink
}

type Config struct {
	Global      GlobalConfig
	Console     ConsoleConfig
	File        FileConfig
	Database    DatabaseConfig
	Performance PerformanceConfig
}

var validLevels = map[string]bool{"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
var validRotations = map[string]bool{"": true, "hourly": true, "daily": true, "weekly": true}
var validDrivers = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}

var sizePattern = regexp.MustCompile(`^(\d+)\s*(B|KB|MB|GB)?$`)

// ParseSize parses human-readable byte sizes ("100MB", "1GB") using binary
// multiples (1KB = 1024 bytes).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errkind.ConfigError("parse_size", fmt.Sprintf("unparseable size %q", s))
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errkind.ConfigError("parse_size", fmt.Sprintf("unparseable size %q", s))
	}
	switch m[2] {
	case "", "B":
		return n, nil
	case "KB":
		return n * 1024, nil
	case "MB":
		return n * 1024 * 1024, nil
	case "GB":
		return n * 1024 * 1024 * 1024, nil
	default:
		return 0, errkind.ConfigError("parse_size", fmt.Sprintf("unknown size unit in %q", s))
	}
}

// Validate fails fast on every invariant violation:
// unknown log level, unparseable size string, encryption enabled with no
// key env name, zero channel capacity, bad encryption key length is
// checked at key-load time (pkg/keysource) since it requires reading the
// environment, not just the struct.
func (c *Config) Validate() error {
	if !validLevels[c.Global.Level] {
		return errkind.ConfigError("validate", fmt.Sprintf("unknown log level %q", c.Global.Level))
	}
	if c.Global.Format == "" {
		return errkind.ConfigError("validate", "global.format must not be empty")
	}

	if c.Performance.ChannelCapacity <= 0 {
		return errkind.ConfigError("validate", "performance.channel_capacity must be > 0")
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return errkind.ConfigError("validate", "file.path is required when the file sink is enabled")
		}
		if _, err := ParseSize(c.File.MaxSize); err != nil {
			return err
		}
		if c.File.MaxSize != "" {
			sz, _ := ParseSize(c.File.MaxSize)
			if sz == 0 {
				return errkind.ConfigError("validate", "file.max_size must be > 0 when set")
			}
		}
		if !validRotations[c.File.RotationTime] {
			return errkind.ConfigError("validate", fmt.Sprintf("unknown file.rotation_time %q", c.File.RotationTime))
		}
		if _, err := ParseSize(c.File.MaxTotalSize); err != nil {
			return err
		}
		if c.File.Encrypt && c.File.EncryptionKeyEnv == "" {
			return errkind.ConfigError("validate", "file.encrypt requires file.encryption_key_env")
		}
		if c.File.CompressionLevel != 0 && (c.File.CompressionLevel < 1 || c.File.CompressionLevel > 22) {
			return errkind.ConfigError("validate", "file.compression_level must be between 1 and 22")
		}
	}

	if c.Database.Enabled {
		if !validDrivers[c.Database.Driver] {
			return errkind.ConfigError("validate", fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
		}
		if c.Database.URL == "" {
			return errkind.ConfigError("validate", "database.url is required when the database sink is enabled")
		}
		if c.Database.TableName == "" {
			c.Database.TableName = "logs"
		}
		if c.Database.BatchSize <= 0 {
			c.Database.BatchSize = 100
		}
		if c.Database.FlushIntervalMs <= 0 {
			c.Database.FlushIntervalMs = 500
		}
		if c.Database.PoolSize <= 0 {
			c.Database.PoolSize = 5
		}
	}

	return nil
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Database.FlushIntervalMs) * time.Millisecond
}

// Default returns a Config populated with the engine's documented
// defaults (channel capacity ~10k, 30s reset
// timeout applied at the breaker layer, 500ms flush interval, etc.).
func Default() Config {
	return Config{
		Global: GlobalConfig{
			Level:          "INFO",
			Format:         "[{timestamp}] [{level:>5}] {target}: {message}",
			MaskingEnabled: true,
		},
		Console: ConsoleConfig{Enabled: true, Colored: false},
		File: FileConfig{
			CompressionLevel:       3,
			RetentionDays:          30,
			MaxTotalSize:           "1GB",
			CleanupIntervalMinutes: 60,
		},
		Database: DatabaseConfig{
			BatchSize:       100,
			FlushIntervalMs: 500,
			PoolSize:        5,
			TableName:       "logs",
		},
		Performance: PerformanceConfig{
			ChannelCapacity: 10000,
			WorkerThreads:   1,
		},
	}
}
