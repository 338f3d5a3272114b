package logger

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

// RequestIDHeaders are the headers AddRequestID takes a request id from, in this order.
// The registry client sends x-ms-client-request-id.
var RequestIDHeaders = []string{"X-Request-Id", "x-ms-client-request-id"}

const (
	requestIDLoggerKey string = "requestID"
	deviceIDLoggerKey  string = "deviceID"
	operationLoggerKey string = "operation"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// InitLoggerFromString is InitLogger for a textual level such as "debug" or "warning".
// Unknown levels fall back to info.
func InitLoggerFromString(level string) {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		InitLogger(logrus.InfoLevel)
		Default().Warnf("unknown log level '%s', using info", level)
		return
	}
	InitLogger(logLevel)
}

// AddRequestID adds a logger to every request of router. The request id is taken from
// the first of RequestIDHeaders the caller sent, otherwise a new one is generated.
func AddRequestID(router *mux.Router) {
	reqID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			for _, header := range RequestIDHeaders {
				if id := r.Header.Get(header); id != "" {
					ctx, _ = ContextWithRequestID(ctx, id)
					break
				}
			}
			ctx, _ = ContextWithLogger(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(reqID)
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		rlog := loggerFromContext(ctx)
		if rlog != nil {
			return ctx, rlog
		}
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(requestIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithRequestID returns a context with a logger for the given request id, replacing
// any logger of ctx.
func ContextWithRequestID(ctx context.Context, requestID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	rlog := logrus.WithField(requestIDLoggerKey, requestID)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithDevice returns a context whose logger carries the device id and the
// name of the operation performed on it.
func ContextWithDevice(ctx context.Context, deviceID, operation string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithFields(logrus.Fields{
		deviceIDLoggerKey:  deviceID,
		operationLoggerKey: operation,
	})
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// a new logger is returned. If the provided context is nil, the default logger will be
// returned.
func FromContext(ctx context.Context) *logrus.Entry {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return Default()
	}
	return rlog
}

// RequestIDFromContext returns the request id for the given context.
func RequestIDFromContext(ctx context.Context) string {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ""
	}
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		return s
	}
	return ""
}
