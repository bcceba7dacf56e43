// Package api serves task definitions and instances over HTTP.
//
// Routes:
//
//	GET  /healthz
//	GET  /tasks
//	GET  /tasks/:name
//	POST /tasks/:name/instances   {data, nextRunTime, idempotencyKey} -> 201 {id}
//	GET  /instances/:id
//	POST /instances/:id/run
//
// Errors are returned as {code, message, retryable} with a status derived
// from the error code, or from its category for codes without a fixed
// status.
package api

import (
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/stepkit/dispatch"
	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/instance"
	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/telemetry"
)

// Server holds the HTTP handlers.
type Server struct {
	engine     *instance.Engine
	dispatcher *dispatch.Dispatcher
	log        *logging.Logger
	tracer     *telemetry.Tracer
	router     *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l.WithComponent("api")
		}
	}
}

// WithTracer sets the tracer for request spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New builds the router. Instances are submitted and run through
// dispatcher so that idempotency keys and run locks apply to HTTP callers
// too.
func New(engine *instance.Engine, dispatcher *dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{
		engine:     engine,
		dispatcher: dispatcher,
		log:        logging.Discard(),
		tracer:     telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.traced(), s.logged())

	r.GET("/healthz", s.health)
	r.GET("/tasks", s.listTasks)
	r.GET("/tasks/:name", s.getTask)
	r.POST("/tasks/:name/instances", s.createInstance)
	r.GET("/instances/:id", s.getInstance)
	r.POST("/instances/:id/run", s.runInstance)
	r.NoRoute(func(c *gin.Context) {
		s.fail(c, errors.FromCode(errors.ErrCodeNotFound))
	})

	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// =============================================================================
// Middleware
// =============================================================================

// traced continues the caller's trace, so instances created by a request
// carry its trace context into their runs.
func (s *Server) traced() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := telemetry.ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := s.tracer.StartSpan(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func (s *Server) logged() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.String()
		}
		log := s.log
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			log = log.WithTraceID(sc.TraceID().String())
		}
		if c.Writer.Status() >= 500 {
			log.Error("http_request", fields)
			return
		}
		log.Debug("http_request", fields)
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type taskSummary struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Steps int    `json:"steps"`
}

func (s *Server) listTasks(c *gin.Context) {
	registry := s.engine.Registry()
	names := registry.Names()
	out := make([]taskSummary, 0, len(names))
	for _, name := range names {
		def, err := registry.ByName(name)
		if err != nil {
			continue
		}
		out = append(out, taskSummary{Name: def.Name, ID: def.ID, Steps: def.NumSteps()})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (s *Server) getTask(c *gin.Context) {
	def, err := s.engine.Registry().ByName(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

type createRequest struct {
	Data           map[string]any `json:"data"`
	NextRunTime    any            `json:"nextRunTime"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// createInstance answers 201 for a new instance and 200 when an
// idempotency key matched an earlier submission.
func (s *Server) createInstance(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil && !stderrors.Is(err, io.EOF) {
		s.fail(c, errors.InvalidInput("malformed request body", errors.WithCause(err)))
		return
	}

	id, created, err := s.dispatcher.Submit(c.Request.Context(), dispatch.Submission{
		Task:           c.Param("name"),
		Data:           req.Data,
		NextRunTime:    req.NextRunTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"id": id, "existing": true})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) getInstance(c *gin.Context) {
	rec, err := s.engine.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// runInstance runs one instance now if it is due. A run that is not due
// leaves the record unchanged.
func (s *Server) runInstance(c *gin.Context) {
	inst, err := s.dispatcher.RunOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst.Record())
}

// =============================================================================
// Errors
// =============================================================================

// StatusFor maps an error to an HTTP status.
func StatusFor(err error) int {
	switch errors.Code(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeTaskNotDefined:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput,
		errors.ErrCodeInvalidDefinition,
		errors.ErrCodeInvalidTime,
		errors.ErrCodeInvalidTimeType,
		errors.ErrCodeInvalidRetryType:
		return http.StatusBadRequest
	case errors.ErrCodeConflict,
		errors.ErrCodeStaleRevision,
		errors.ErrCodeAlreadyExists,
		errors.ErrCodeResourceBusy:
		return http.StatusConflict
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}

	// Codes without a fixed status map by category.
	switch {
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.IsCategory(err, errors.CategoryResource):
		return http.StatusTooManyRequests
	case errors.IsPermanent(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as {code, message, retryable} plus the error's data,
// instance and task when it carries them. Uncoded errors are reported as
// INTERNAL.
func (s *Server) fail(c *gin.Context, err error) {
	var coded *errors.Error
	if !stderrors.As(err, &coded) {
		coded = errors.Internal("unexpected error", errors.WithCause(err))
		err = coded
	}
	c.Error(err)

	body := gin.H{
		"code":      coded.Code(),
		"message":   err.Error(),
		"retryable": errors.IsRetryable(err),
	}
	if data := errors.DataOf(err); data != nil {
		body["data"] = data
	}
	if id := coded.InstanceID(); id != "" {
		body["instance"] = id
	}
	if task := coded.TaskName(); task != "" {
		body["task"] = task
	}
	c.JSON(StatusFor(err), body)
}
