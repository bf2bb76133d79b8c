package otel

import (
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Ongy/conntracker/internal/telemetry"
)

// ErrorRecorder counts absorbed errors by kind.
type ErrorRecorder interface {
	RecordError(kind string)
}

// InstallErrorHandler routes OpenTelemetry export and instrumentation errors to
// the logger and counts them as sink_unavailable. Export failures never reach the
// event loop.
func InstallErrorHandler(logger *zap.Logger, recorder ErrorRecorder) {
	otel.SetErrorHandler(newErrorHandler(logger, recorder))
}

func newErrorHandler(logger *zap.Logger, recorder ErrorRecorder) otel.ErrorHandler {
	logger = logger.Named("otel")
	return otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("telemetry export error", zap.Error(err))
		if recorder != nil {
			recorder.RecordError(telemetry.ErrorKindSinkUnavailable)
		}
	})
}
