// This package defines a common config struct which can be used by any subsystem within senderkeys.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string
	// Identifies this agent on shares it writes.
	AgentID string
	// Remote store calls are bounded by RequestTimeoutMs, the reachability check by LookupTimeoutMs.
	LookupTimeoutMs  int64
	RequestTimeoutMs int64
	// Upper bound on keys cached per community in the local vault.
	MaxLocalKeysPerCommunity int
	// Wait before re-fetching a share after losing an establishment race.
	ShareRetryBackoffMs int64
	DefaultGraceMs      int64
	writer              io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithAgentID(id string) Option {
	return func(c *Config) {
		c.AgentID = id
	}
}

func WithLookupTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.LookupTimeoutMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithMaxLocalKeysPerCommunity(n int) Option {
	return func(c *Config) {
		c.MaxLocalKeysPerCommunity = n
	}
}

func WithShareRetryBackoffMs(n int64) Option {
	return func(c *Config) {
		c.ShareRetryBackoffMs = n
	}
}

func WithDefaultGraceMs(n int64) Option {
	return func(c *Config) {
		c.DefaultGraceMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                    os.Getenv("DEBUG") == "1",
		LookupTimeoutMs:          1000,
		RequestTimeoutMs:         5000,
		MaxLocalKeysPerCommunity: 8,
		ShareRetryBackoffMs:      500,
		DefaultGraceMs:           7 * 24 * 60 * 60 * 1000,
		LoggingPrefix:            "",
		AgentID:                  "go-senderkeys",
		RootDir:                  ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
