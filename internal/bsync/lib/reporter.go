package lib

import (
	"log/slog"
)

// Reporter receives recoverable warnings and transfer progress.
type Reporter interface {
	OnWarning(path, reason string)
	OnProgress(bytesTransferred, bytesTotal int64)
}

// LogReporter reports through a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r LogReporter) OnWarning(path, reason string) {
	r.logger().Warn("skipped", "path", path, "reason", reason)
}

func (r LogReporter) OnProgress(bytesTransferred, bytesTotal int64) {
	r.logger().Debug("progress", "transferred", bytesTransferred, "total", bytesTotal)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) OnWarning(string, string) {}
func (NopReporter) OnProgress(int64, int64)  {}

// ReporterOrDefault returns r, or a LogReporter on slog.Default() when r is nil.
func ReporterOrDefault(r Reporter) Reporter {
	if r == nil {
		return LogReporter{}
	}
	return r
}
