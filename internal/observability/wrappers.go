package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/boma/internal/protocol"
)

// CallDispatcher routes one sandbox call to its handler.
type CallDispatcher interface {
	Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response
}

// InstrumentedDispatcher wraps a CallDispatcher with metrics and tracing.
type InstrumentedDispatcher struct {
	inner   CallDispatcher
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedDispatcher wraps a dispatcher with observability.
func NewInstrumentedDispatcher(inner CallDispatcher, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedDispatcher {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedDispatcher{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (d *InstrumentedDispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	op := string(req.Op)

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "call.dispatch",
			trace.WithAttributes(
				attribute.String("call.op", op),
				attribute.String("call.task_id", req.TaskID),
			))
		defer span.End()
	}

	start := time.Now()
	resp := d.inner.Dispatch(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	kind := ""
	if resp.Status == protocol.StatusError {
		status = "error"
		kind = string(resp.ErrorKind)
		if d.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetStatus(codes.Error, resp.ErrorDetail)
			span.SetAttributes(attribute.String("call.error_kind", kind))
		}
	}

	if d.metrics != nil {
		d.metrics.CallsTotal.WithLabelValues(op, status, kind).Inc()
		d.metrics.CallDuration.WithLabelValues(op).Observe(duration)
		d.recordOpMetrics(req, resp, status)
	}

	return resp
}

// recordOpMetrics updates the per-concern counters for the ops that have them.
func (d *InstrumentedDispatcher) recordOpMetrics(req *protocol.Request, resp *protocol.Response, status string) {
	switch req.Op {
	case protocol.OpShellRun:
		d.metrics.ProcessExecutionsTotal.WithLabelValues("run", runStatus(resp, status)).Inc()
		if r, ok := resp.Result.(*protocol.RunResult); ok && r.Truncated {
			d.metrics.OutputTruncatedTotal.Inc()
		}
	case protocol.OpShellStart:
		d.metrics.ProcessExecutionsTotal.WithLabelValues("start", status).Inc()
	case protocol.OpBrowserOpen, protocol.OpBrowserNavigate, protocol.OpBrowserClose:
		action := strings.TrimPrefix(string(req.Op), "browser.")
		d.metrics.BrowserActionsTotal.WithLabelValues(action, status).Inc()
	case protocol.OpBrowserAction:
		var p protocol.BrowserActionParams
		action := "unknown"
		if err := req.DecodeParams(&p); err == nil && p.Action != "" {
			action = string(p.Action)
		}
		d.metrics.BrowserActionsTotal.WithLabelValues(action, status).Inc()
	}
}

// runStatus refines the shell.run status with timeout and nonzero-exit outcomes.
func runStatus(resp *protocol.Response, status string) string {
	r, ok := resp.Result.(*protocol.RunResult)
	if !ok {
		return status
	}
	switch {
	case r.TimedOut:
		return "timeout"
	case r.ExitCode != 0:
		return "nonzero_exit"
	default:
		return status
	}
}

var _ CallDispatcher = (*InstrumentedDispatcher)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
