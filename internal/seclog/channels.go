package seclog

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"security-log-service/internal/config"
	"security-log-service/internal/encryption"
	"security-log-service/internal/model"
)

// The security channel always writes JSON lines to the console; in
// production it tees into a rotating file plus an error-only rotating
// file for on-call triage. The audit channel owns a separate
// long-retention rotating sink and never shares the security channel's
// rotation policy. Neither channel samples: every accepted event is
// written.

type channels struct {
	security *zap.Logger
	audit    *zap.Logger
	closers  []io.Closer
}

func buildChannels(cfg *config.Config, lineEnc *encryption.LineEncryptor) *channels {
	ch := &channels{}

	baseFields := zap.Fields(
		zap.String("service", cfg.Service.Name),
		zap.String("environment", cfg.Environment),
	)

	ch.security = zap.New(ch.securityCore(cfg, lineEnc), baseFields)
	ch.audit = zap.New(ch.auditCore(cfg, lineEnc), baseFields)
	return ch
}

func (ch *channels) securityCore(cfg *config.Config, lineEnc *encryption.LineEncryptor) zapcore.Core {
	level := channelLevel(cfg.Security.Level)
	enc := zapcore.NewJSONEncoder(encoderConfig())

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level),
	}

	if cfg.IsProduction() && cfg.Security.Directory != "" {
		fileSink := ch.rotatingSink(&lumberjack.Logger{
			Filename:   filepath.Join(cfg.Security.Directory, cfg.Security.FileName),
			MaxSize:    cfg.Security.MaxSizeMB,
			MaxBackups: cfg.Security.MaxBackups,
			MaxAge:     cfg.Security.MaxAgeDays,
			Compress:   cfg.Security.Compress,
		}, lineEnc)
		cores = append(cores, zapcore.NewCore(enc, fileSink, level))

		errorSink := ch.rotatingSink(&lumberjack.Logger{
			Filename:   filepath.Join(cfg.Security.Directory, cfg.Security.ErrorFileName),
			MaxSize:    cfg.Security.MaxSizeMB,
			MaxBackups: cfg.Security.MaxBackups,
			MaxAge:     cfg.Security.MaxAgeDays,
			Compress:   cfg.Security.Compress,
		}, lineEnc)
		cores = append(cores, zapcore.NewCore(enc, errorSink, zapcore.ErrorLevel))
	}

	return zapcore.NewTee(cores...)
}

func (ch *channels) auditCore(cfg *config.Config, lineEnc *encryption.LineEncryptor) zapcore.Core {
	enc := zapcore.NewJSONEncoder(encoderConfig())

	if cfg.Audit.Directory == "" {
		return zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zapcore.InfoLevel)
	}

	sink := ch.rotatingSink(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.Audit.Directory, cfg.Audit.FileName),
		MaxSize:    cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAge:     cfg.Audit.RetentionDays,
		Compress:   cfg.Audit.Compress,
	}, lineEnc)
	return zapcore.NewCore(enc, sink, zapcore.InfoLevel)
}

// rotatingSink registers the file for close and, when a line encryptor
// is present, seals each record before it reaches disk.
func (ch *channels) rotatingSink(lj *lumberjack.Logger, lineEnc *encryption.LineEncryptor) zapcore.WriteSyncer {
	ch.closers = append(ch.closers, lj)
	sink := zapcore.AddSync(lj)
	if lineEnc != nil {
		return &encryptingSyncer{enc: lineEnc, out: sink}
	}
	return sink
}

func (ch *channels) sync() {
	_ = ch.security.Sync()
	_ = ch.audit.Sync()
}

func (ch *channels) close() {
	ch.sync()
	for _, c := range ch.closers {
		_ = c.Close()
	}
}

// encryptingSyncer seals each complete log line. zap hands one entry
// per Write call, newline included.
type encryptingSyncer struct {
	enc *encryption.LineEncryptor
	out zapcore.WriteSyncer
}

func (s *encryptingSyncer) Write(p []byte) (int, error) {
	line, err := s.enc.EncryptLine(p)
	if err != nil {
		return 0, err
	}
	if _, err := s.out.Write(line); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *encryptingSyncer) Sync() error {
	return s.out.Sync()
}

func encoderConfig() zapcore.EncoderConfig {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return encCfg
}

// severityLevel maps computed severity onto the channel's log level.
func severityLevel(sev model.Severity) zapcore.Level {
	switch sev {
	case model.SeverityCritical, model.SeverityHigh:
		return zapcore.ErrorLevel
	case model.SeverityMedium:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func channelLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
