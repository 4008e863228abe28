package applog

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log level constants accepted in Config.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls zap logger construction. cmd/mcphub builds it from
// DefaultConfig plus the --log-level/--log-json flags and NODE_ENV.
type Config struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableConsole bool   `json:"enableConsole" mapstructure:"enable-console"`
	EnableFile    bool   `json:"enableFile" mapstructure:"enable-file"`
	LogDir        string `json:"logDir,omitempty" mapstructure:"log-dir"`
	Filename      string `json:"filename" mapstructure:"filename"`
	MaxSizeMB     int    `json:"maxSizeMb" mapstructure:"max-size-mb"`
	MaxBackups    int    `json:"maxBackups" mapstructure:"max-backups"`
	MaxAgeDays    int    `json:"maxAgeDays" mapstructure:"max-age-days"`
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"jsonFormat" mapstructure:"json-format"`
}

// DefaultConfig returns the logging defaults: console only, human-readable,
// info level. Mirrors the teacher's console-by-default posture.
func DefaultConfig() *Config {
	return &Config{
		Level:         LevelInfo,
		EnableConsole: true,
		EnableFile:    false,
		Filename:      "mcphub.log",
		MaxSizeMB:     10,
		MaxBackups:    5,
		MaxAgeDays:    30,
		Compress:      true,
		JSONFormat:    false,
	}
}

// New builds a zap.Logger from cfg. A nil cfg falls back to DefaultConfig.
// Every sink is wrapped with the secret-redacting encoder so OAuth tokens
// and other sensitive fields never reach disk or stderr in the clear.
func New(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		enc := consoleEncoder()
		if cfg.JSONFormat {
			enc = jsonEncoder()
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level))
	}

	if cfg.EnableFile {
		fc, err := fileCore(cfg, level)
		if err != nil {
			return nil, fmt.Errorf("applog: create file core: %w", err)
		}
		cores = append(cores, fc)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("applog: no log sinks configured")
	}

	sanitized := newSecretSanitizer(zapcore.NewTee(cores...))
	return zap.New(sanitized, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// NewNop returns a logger that discards everything, for tests that need a
// *zap.Logger but don't care about its output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case LevelDebug:
		return zap.DebugLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	case LevelInfo, "":
		return zap.InfoLevel
	default:
		return zap.InfoLevel
	}
}

func fileCore(cfg *Config, level zapcore.Level) (zapcore.Core, error) {
	path, err := GetLogFilePathWithDir(cfg.LogDir, cfg.Filename)
	if err != nil {
		return nil, err
	}

	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	enc := fileEncoder()
	if cfg.JSONFormat {
		enc = jsonEncoder()
	}

	return zapcore.NewCore(enc, zapcore.AddSync(writer), level), nil
}

func consoleEncoder() zapcore.Encoder {
	c := zap.NewDevelopmentEncoderConfig()
	c.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	c.EncodeLevel = zapcore.CapitalColorLevelEncoder
	c.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(c)
}

func fileEncoder() zapcore.Encoder {
	c := zap.NewProductionEncoderConfig()
	c.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	c.EncodeLevel = zapcore.CapitalLevelEncoder
	c.EncodeCaller = zapcore.ShortCallerEncoder
	c.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(c)
}

func jsonEncoder() zapcore.Encoder {
	c := zap.NewProductionEncoderConfig()
	c.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	c.EncodeLevel = zapcore.LowercaseLevelEncoder
	c.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(c)
}

// WithServer returns a child logger tagged with the upstream server name,
// the way the teacher tags per-server log files.
func WithServer(l *zap.Logger, serverName string) *zap.Logger {
	return l.With(zap.String("server", serverName))
}
