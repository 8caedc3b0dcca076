package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Trace opens a server span per request so store and transfer logs carry
// the trace_id of the call that caused them.
func Trace(tp trace.TracerProvider, service string) gin.HandlerFunc {
	tracer := tp.Tracer(service)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}

		zap.L().Debug("[HTTP] request",
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
		)
	}
}
