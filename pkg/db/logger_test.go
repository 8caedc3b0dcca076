package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm/logger"
)

func TestZapGormLoggerTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapGormLogger(zap.New(core), logger.Warn, false)

	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	sql := func() (string, int64) { return "UPDATE user_accounts SET balance = 0", 1 }

	l.Trace(ctx, time.Now(), sql, nil)
	require.Equal(t, 0, logs.Len())

	l.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	require.Equal(t, 1, logs.FilterMessage("gorm.slow_query").Len())

	l.Trace(ctx, time.Now(), sql, errors.New("deadlock detected"))
	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1)
	require.Equal(t, "0af7651916cd43dd8448eb211c80319c", entries[0].ContextMap()["trace_id"])

	l.Trace(ctx, time.Now(), sql, logger.ErrRecordNotFound)
	require.Equal(t, 1, logs.FilterMessage("gorm.query").Len())

	l.LogMode(logger.Silent).Trace(ctx, time.Now(), sql, errors.New("ignored"))
	require.Equal(t, 1, logs.FilterMessage("gorm.query").Len())
}
