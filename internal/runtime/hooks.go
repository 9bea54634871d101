package runtime

import (
	"context"
	"time"

	"github.com/drblury/natsflow/internal/runtime/engine"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

// JobContext describes one dispatch as seen by JobHooks.
type JobContext struct {
	Source      string
	Kind        engine.Kind
	Subject     string
	MessageType string
	// Metadata holds the inbound headers.
	Metadata  metadatapkg.Metadata
	Context   context.Context
	StartedAt time.Time
	// Duration is zero in OnJobStart.
	Duration time.Duration
}

// fields returns the log fields identifying the job.
func (j JobContext) fields() loggingpkg.LogFields {
	f := loggingpkg.LogFields{
		loggingpkg.FieldSource:  j.Source,
		loggingpkg.FieldSubject: j.Subject,
		loggingpkg.FieldKind:    j.Kind.String(),
	}
	if j.Duration > 0 {
		f["duration_ms"] = j.Duration.Milliseconds()
	}
	return f
}

// JobHooks observes dispatches. Nil callbacks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	// OnJobDone runs after the dispatcher returned without error.
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks running h first and other second.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	merged := JobHooks{
		OnJobStart: h.OnJobStart,
		OnJobDone:  h.OnJobDone,
		OnJobError: h.OnJobError,
	}
	if a, b := h.OnJobStart, other.OnJobStart; b != nil {
		merged.OnJobStart = b
		if a != nil {
			merged.OnJobStart = func(j JobContext) { a(j); b(j) }
		}
	}
	if a, b := h.OnJobDone, other.OnJobDone; b != nil {
		merged.OnJobDone = b
		if a != nil {
			merged.OnJobDone = func(j JobContext) { a(j); b(j) }
		}
	}
	if a, b := h.OnJobError, other.OnJobError; b != nil {
		merged.OnJobError = b
		if a != nil {
			merged.OnJobError = func(j JobContext, err error) { a(j, err); b(j, err) }
		}
	}
	return merged
}

func (h JobHooks) started(j JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(j)
	}
}

func (h JobHooks) finished(j JobContext, err error) {
	switch {
	case err != nil && h.OnJobError != nil:
		h.OnJobError(j, err)
	case err == nil && h.OnJobDone != nil:
		h.OnJobDone(j)
	}
}

// JobHooksMiddleware registers hooks around every dispatch. Registered after
// the default chain, the hooks only see messages that passed validation.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) engine.Middleware {
	return func(next engine.Dispatcher) engine.Dispatcher {
		return engine.DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
			info, _ := engine.MessageInfoFromContext(ctx)
			job := JobContext{
				Source:      info.Source,
				Kind:        info.Kind,
				Subject:     info.Subject,
				MessageType: info.MessageType,
				Metadata:    info.Metadata,
				Context:     ctx,
				StartedAt:   time.Now(),
			}
			hooks.started(job)

			out, err := next.Dispatch(ctx, msg)
			job.Duration = time.Since(job.StartedAt)
			hooks.finished(job, err)
			return out, err
		})
	}
}

// LoggingHooks logs starts at debug, completions at info and failures at
// error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.OrNop(logger)
	return JobHooks{
		OnJobStart: func(j JobContext) { logger.Debug("Job started", j.fields()) },
		OnJobDone:  func(j JobContext) { logger.Info("Job completed", j.fields()) },
		OnJobError: func(j JobContext, err error) {
			logger.Error("Job failed", err, j.fields().Add(loggingpkg.FieldMessageType, j.MessageType))
		},
	}
}

// MetricsHooks forwards source and subject of each job to counters kept by
// the caller. Any callback may be nil.
func MetricsHooks(onStart, onDone, onError func(source, subject string)) JobHooks {
	report := func(fn func(string, string)) func(JobContext) {
		return func(j JobContext) {
			if fn != nil {
				fn(j.Source, j.Subject)
			}
		}
	}
	failed := report(onError)
	return JobHooks{
		OnJobStart: report(onStart),
		OnJobDone:  report(onDone),
		OnJobError: func(j JobContext, _ error) { failed(j) },
	}
}

// AlertingHooks calls alert for every failed job.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}
