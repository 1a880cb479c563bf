package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Logger routes gorm's logging into zerolog.
type Logger struct {
	lg    zerolog.Logger
	level logger.LogLevel
}

func NewLogger(lg zerolog.Logger) *Logger {
	return &Logger{lg: lg, level: logger.Warn}
}

func (l *Logger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *Logger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.lg.Info().Msgf(msg, args...)
	}
}

func (l *Logger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.lg.Warn().Msgf(msg, args...)
	}
}

func (l *Logger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.lg.Error().Msgf(msg, args...)
	}
}

func (l *Logger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.lg.Error().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query failed")
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		l.lg.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("slow query")
	case l.level >= logger.Info:
		sql, rows := fc()
		l.lg.Debug().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query")
	}
}

var _ logger.Interface = (*Logger)(nil)
