package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsflow/internal/runtime/engine"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

func hookContext() context.Context {
	return engine.WithMessageInfo(context.Background(), engine.MessageInfo{
		Source:      "orders",
		Kind:        engine.KindCommand,
		Subject:     "orders.place",
		MessageType: "runtime.placeOrder",
		Metadata:    metadatapkg.Metadata{"tenant": "acme"},
	})
}

func noopDispatcher(err error) engine.Dispatcher {
	return engine.DispatcherFunc(func(context.Context, any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", err
	})
}

func TestJobHooks_OnJobStart(t *testing.T) {
	var captured JobContext
	hooks := JobHooks{OnJobStart: func(ctx JobContext) { captured = ctx }}

	out, err := jobHooksMiddleware(hooks)(noopDispatcher(nil)).Dispatch(hookContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "orders", captured.Source)
	assert.Equal(t, "orders.place", captured.Subject)
	assert.Equal(t, engine.KindCommand, captured.Kind)
	assert.Equal(t, "acme", captured.Metadata["tenant"])
	assert.False(t, captured.StartedAt.IsZero())
	assert.Zero(t, captured.Duration)
}

func TestJobHooks_OnJobDone(t *testing.T) {
	var doneCalled, errorCalled bool
	var captured JobContext
	hooks := JobHooks{
		OnJobDone:  func(ctx JobContext) { doneCalled = true; captured = ctx },
		OnJobError: func(JobContext, error) { errorCalled = true },
	}

	_, err := jobHooksMiddleware(hooks)(noopDispatcher(nil)).Dispatch(hookContext(), nil)
	require.NoError(t, err)
	assert.True(t, doneCalled)
	assert.False(t, errorCalled)
	assert.GreaterOrEqual(t, captured.Duration, 5*time.Millisecond)
}

func TestJobHooks_OnJobError(t *testing.T) {
	boom := errors.New("boom")
	var doneCalled bool
	var capturedErr error
	hooks := JobHooks{
		OnJobDone:  func(JobContext) { doneCalled = true },
		OnJobError: func(_ JobContext, err error) { capturedErr = err },
	}

	_, err := jobHooksMiddleware(hooks)(noopDispatcher(boom)).Dispatch(hookContext(), nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, capturedErr, boom)
	assert.False(t, doneCalled)
}

func TestJobHooks_WithoutMessageInfo(t *testing.T) {
	var captured JobContext
	hooks := JobHooks{OnJobStart: func(ctx JobContext) { captured = ctx }}

	_, err := jobHooksMiddleware(hooks)(noopDispatcher(nil)).Dispatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, captured.Source)
	assert.NotNil(t, captured.Context)
}

func TestJobHooks_Merge(t *testing.T) {
	var order []string
	first := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "first-start") },
		OnJobDone:  func(JobContext) { order = append(order, "first-done") },
		OnJobError: func(JobContext, error) { order = append(order, "first-error") },
	}
	second := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "second-start") },
		OnJobDone:  func(JobContext) { order = append(order, "second-done") },
		OnJobError: func(JobContext, error) { order = append(order, "second-error") },
	}
	merged := first.Merge(second)

	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	assert.Equal(t, []string{
		"first-start", "second-start",
		"first-done", "second-done",
		"first-error", "second-error",
	}, order)
}

func TestJobHooks_MergePartial(t *testing.T) {
	var started, failed bool
	merged := JobHooks{OnJobStart: func(JobContext) { started = true }}.
		Merge(JobHooks{OnJobError: func(JobContext, error) { failed = true }})

	assert.Nil(t, merged.OnJobDone)
	merged.OnJobStart(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))
	assert.True(t, started)
	assert.True(t, failed)
}

func TestJobHooksMiddleware_Registration(t *testing.T) {
	reg := JobHooksMiddleware(JobHooks{})
	assert.Equal(t, "job_hooks", reg.Name)
	assert.NotNil(t, reg.Middleware)
}

type hooksTestLogger struct {
	mu     sync.Mutex
	infos  []string
	debugs []string
	errors []string
}

func (l *hooksTestLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }

func (l *hooksTestLogger) Debug(msg string, _ loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *hooksTestLogger) Info(msg string, _ loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *hooksTestLogger) Error(msg string, _ error, _ loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *hooksTestLogger) Trace(string, loggingpkg.LogFields) {}

func TestLoggingHooks(t *testing.T) {
	logger := &hooksTestLogger{}
	hooks := LoggingHooks(logger)

	hooks.OnJobStart(JobContext{Source: "s"})
	hooks.OnJobDone(JobContext{Source: "s"})
	hooks.OnJobError(JobContext{Source: "s"}, errors.New("x"))

	assert.Equal(t, []string{"Job started"}, logger.debugs)
	assert.Equal(t, []string{"Job completed"}, logger.infos)
	assert.Equal(t, []string{"Job failed"}, logger.errors)
}

func TestMetricsHooks(t *testing.T) {
	var calls []string
	record := func(kind string) func(string, string) {
		return func(source, subject string) { calls = append(calls, kind+":"+source+":"+subject) }
	}
	hooks := MetricsHooks(record("start"), record("done"), record("error"))

	ctx := JobContext{Source: "orders", Subject: "orders.place"}
	hooks.OnJobStart(ctx)
	hooks.OnJobDone(ctx)
	hooks.OnJobError(ctx, errors.New("x"))

	assert.Equal(t, []string{
		"start:orders:orders.place",
		"done:orders:orders.place",
		"error:orders:orders.place",
	}, calls)

	nilHooks := MetricsHooks(nil, nil, nil)
	assert.NotPanics(t, func() {
		nilHooks.OnJobStart(ctx)
		nilHooks.OnJobDone(ctx)
		nilHooks.OnJobError(ctx, errors.New("x"))
	})
}

func TestAlertingHooks(t *testing.T) {
	var alerted error
	hooks := AlertingHooks(func(_ JobContext, err error) { alerted = err })
	assert.Nil(t, hooks.OnJobStart)
	assert.Nil(t, hooks.OnJobDone)

	boom := errors.New("boom")
	hooks.OnJobError(JobContext{}, boom)
	assert.Equal(t, boom, alerted)
}
