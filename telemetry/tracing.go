// OpenTelemetry tracing for task runs.
package telemetry

import (
	"context"
	"encoding/json"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with task-run helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include method input and output in span attributes
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Run Spans ---

// RunSpanOptions identifies the instance a run span covers.
type RunSpanOptions struct {
	TaskName   string
	TaskID     string
	InstanceID string
}

// RunOutcome describes where a run left the instance.
type RunOutcome struct {
	Complete    bool
	Success     *bool
	NextRunTime string
	Skipped     bool // Instance was not due or already complete
}

// StartRunSpan starts a span for one call to run an instance.
func (t *Tracer) StartRunSpan(ctx context.Context, opts RunSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.run."+opts.TaskName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.name", opts.TaskName),
		attribute.String("task.id", opts.TaskID),
		attribute.String("task.instance", opts.InstanceID),
	)
	return ctx, span
}

// EndRunSpan ends a run span with the outcome.
func (t *Tracer) EndRunSpan(span trace.Span, out RunOutcome, err error) {
	attrs := []attribute.KeyValue{
		attribute.Bool("task.complete", out.Complete),
		attribute.Bool("task.skipped", out.Skipped),
	}
	if out.Success != nil {
		attrs = append(attrs, attribute.Bool("task.success", *out.Success))
	}
	if out.NextRunTime != "" {
		attrs = append(attrs, attribute.String("task.next_run_time", out.NextRunTime))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Sub-step Spans ---

// SubStepSpanOptions identifies one executed sub-step.
type SubStepSpanOptions struct {
	TaskName   string
	InstanceID string
	StepNum    int
	SubStep    string
	Method     string
	Attempt    int
}

// SubStepResult carries what a sub-step consumed and produced.
type SubStepResult struct {
	Input  map[string]any // Only included if debug=true
	Output any            // Only included if debug=true
}

// StartSubStepSpan starts a span for a single sub-step execution.
func (t *Tracer) StartSubStepSpan(ctx context.Context, opts SubStepSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.substep."+opts.SubStep, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.name", opts.TaskName),
		attribute.String("task.instance", opts.InstanceID),
		attribute.Int("task.step", opts.StepNum),
		attribute.String("task.substep", opts.SubStep),
		attribute.String("task.method", opts.Method),
		attribute.Int("task.attempt", opts.Attempt),
	)
	return ctx, span
}

// EndSubStepSpan ends a sub-step span.
func (t *Tracer) EndSubStepSpan(span trace.Span, res SubStepResult, err error) {
	if t.debug {
		keys := make([]string, 0, len(res.Input))
		for k := range res.Input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			span.SetAttributes(attribute.String("task.input."+k, truncateAny(res.Input[k], 500)))
		}
		if res.Output != nil {
			span.SetAttributes(attribute.String("task.output", truncateAny(res.Output, 4000)))
		}
	}
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a map-based TextMapCarrier. Instance records carry one so
// that later runs join the trace of the request that created them.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v any, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case []byte:
		return truncate(string(val), maxLen)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "<unencodable>"
		}
		return truncate(string(data), maxLen)
	}
}
