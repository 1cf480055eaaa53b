package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lantern-payments/logging"
)

const slowQueryThreshold = 200 * time.Millisecond

// queryLogger sends gorm's output through zap: failed queries, slow queries and
// plain messages at or above level
type queryLogger struct {
	log   *zap.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newQueryLogger(l *zap.Logger) *queryLogger {
	return &queryLogger{log: l.With(zap.String("component", "gorm")), level: logger.Warn, slow: slowQueryThreshold}
}

func (q *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *q
	c.level = level
	return &c
}

func (q *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Info {
		q.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Warn {
		q.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Error {
		q.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && q.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		q.log.Error("Query failed",
			zap.Error(err),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", logging.RequestID(ctx)),
		)
	case elapsed > q.slow && q.slow > 0 && q.level >= logger.Warn:
		sql, rows := fc()
		q.log.Warn("Slow query",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", q.slow),
			zap.String("request_id", logging.RequestID(ctx)),
		)
	}
}
