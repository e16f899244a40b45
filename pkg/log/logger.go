// Package log provides structured logging for equipool services.
// It wraps log/slog and adds pool specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// ContextKeyConnection is the context key carrying a stratum subscription id.
const ContextKeyConnection ctxKey = "subscription_id"

// Logger wraps slog.Logger with service identity.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext adds the subscription id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := ctx.Value(ContextKeyConnection); id != nil {
		return l.derive(l.With("subscription_id", id))
	}
	return l
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker tags a logger with the miner's worker name and address.
func (l *Logger) WithWorker(worker, ip string) *Logger {
	return l.WithFields("worker", worker, "ip", ip)
}

// WithJob tags a logger with a job id and block height.
func (l *Logger) WithJob(jobID string, height uint64) *Logger {
	return l.WithFields("job_id", jobID, "height", height)
}

// WithError returns a logger with the error message attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs how long an operation took.
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection lifecycle events.
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs raw protocol lines at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShare logs the outcome of one share submission.
func (l *Logger) LogShare(worker, ip, jobID string, difficulty, shareDiff float64, accepted bool, reason string) {
	if accepted {
		l.Debug("share accepted",
			"worker", worker,
			"ip", ip,
			"job_id", jobID,
			"difficulty", difficulty,
			"share_diff", shareDiff,
		)
		return
	}
	l.Debug("share rejected",
		"worker", worker,
		"ip", ip,
		"job_id", jobID,
		"difficulty", difficulty,
		"reason", reason,
	)
}

// LogBlockFound logs a block candidate and whether the daemon accepted it.
func (l *Logger) LogBlockFound(blockHash string, height uint64, worker string, reward float64, accepted bool) {
	l.Info("block candidate",
		"block_hash", blockHash,
		"height", height,
		"worker", worker,
		"reward", reward,
		"accepted", accepted,
	)
}

// LogBan logs a ban decision.
func (l *Logger) LogBan(ip, reason string) {
	l.Warn("banning ip",
		"ip", ip,
		"reason", reason,
	)
}

// LogJobBroadcast logs a job push to connected miners.
func (l *Logger) LogJobBroadcast(jobID string, height uint64, cleanJobs bool, clients int) {
	l.Info("job broadcast",
		"job_id", jobID,
		"height", height,
		"clean_jobs", cleanJobs,
		"clients", clients,
	)
}
