package logger

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It is a no-op logger until New or Init runs.
var Log = zap.NewNop()

type ctxKey struct{}

// RequestIDKey is the gin context key and response header holding the request ID.
const (
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-ID"
)

// New builds a zap logger for env. In production it emits ISO8601 JSON;
// otherwise a coloured console encoder. Every extra sink receives JSON lines
// alongside the console output.
func New(env string, sinks ...io.Writer) (*zap.Logger, error) {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if len(sinks) == 0 {
		return config.Build()
	}

	level := zap.NewAtomicLevelAt(config.Level.Level())
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(config.EncoderConfig), zapcore.AddSync(os.Stdout), level),
	}

	jsonConfig := config.EncoderConfig
	jsonConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonConfig), zapcore.AddSync(sink), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Init builds the logger with New and installs it as Log and as zap's global.
func Init(env string, sinks ...io.Writer) *zap.Logger {
	l, err := New(env, sinks...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	Log = l
	zap.ReplaceGlobals(l)
	return l
}

// RequestID assigns every request an ID, taken from X-Request-ID when the
// caller sent one, and propagates it through the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// WithRequestID returns a copy of ctx carrying requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFrom extracts the request ID from a gin or standard context.
func RequestIDFrom(ctx context.Context) string {
	if ginCtx, ok := ctx.(*gin.Context); ok {
		if id := ginCtx.GetString(RequestIDKey); id != "" {
			return id
		}
		if ginCtx.Request == nil {
			return ""
		}
		ctx = ginCtx.Request.Context()
	}
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// For returns l annotated with the request ID found in ctx, if any.
func For(ctx context.Context, l *zap.Logger) *zap.Logger {
	if id := RequestIDFrom(ctx); id != "" {
		return l.With(zap.String("request_id", id))
	}
	return l
}
