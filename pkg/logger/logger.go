// Package logger provides opinionated logging capabilities for the relay
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Debug lowers the level to debug.
	Debug bool

	// JSON switches from the coloured console encoder to JSON lines.
	JSON bool

	// Sink receives log output. Defaults to os.Stdout.
	Sink io.Writer
}

func NewLogger(opts Options) *zap.Logger {
	sink := opts.Sink
	if sink == nil {
		sink = os.Stdout
	}
	return zap.New(newCore(opts, zapcore.AddSync(sink)), zap.AddCaller())
}

func newCore(opts Options, sink zapcore.WriteSyncer) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}

	return zapcore.NewCore(encoder, sink, level)
}
