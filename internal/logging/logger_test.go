package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetLogger() {
	logger = nil
	once = sync.Once{}
}

func TestGetLoggerFallsBackBeforeInitialize(t *testing.T) {
	resetLogger()
	assert.NotNil(t, GetLogger())
}

func TestInitializeIsIdempotent(t *testing.T) {
	resetLogger()
	a := assert.New(t)

	a.NoError(Initialize(true))
	first := logger
	a.NoError(Initialize(false))
	a.Equal(first, logger, "a second Initialize call must not replace the logger")
}

func TestInfoAppendsContextFields(t *testing.T) {
	resetLogger()
	core, logs := observer.New(zap.InfoLevel)
	logger = zap.New(core)

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithRoomID(ctx, "room-1")

	Info(ctx, "joined room")

	a := assert.New(t)
	a.Equal(1, logs.Len())
	fields := logs.All()[0].ContextMap()
	a.Equal("sess-1", fields["session_id"])
	a.Equal("room-1", fields["room_id"])
	a.Equal("chatserver", fields["service"])
}

func TestHelpersLogAtExpectedLevels(t *testing.T) {
	resetLogger()
	core, logs := observer.New(zap.DebugLevel)
	logger = zap.New(core)

	ctx := context.Background()
	Info(ctx, "info")
	Warn(ctx, "warn")
	Error(ctx, "error")

	a := assert.New(t)
	a.Equal(3, logs.Len())
	a.Equal(zap.InfoLevel, logs.All()[0].Level)
	a.Equal(zap.WarnLevel, logs.All()[1].Level)
	a.Equal(zap.ErrorLevel, logs.All()[2].Level)
}

func TestAppendContextFieldsIncludesServiceName(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-1")
	fields := appendContextFields(ctx, nil)

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	assert := assert.New(t)
	assert.Equal("sess-1", enc.Fields["session_id"])
	assert.Equal("chatserver", enc.Fields["service"])
}
