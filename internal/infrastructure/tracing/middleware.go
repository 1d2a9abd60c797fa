package tracing

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// HTTPMiddleware creates Gin middleware that propagates X-Request-ID and
// records a span per request.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if rid := c.GetHeader(Header); rid != "" {
			ctx = WithRequestID(ctx, RequestID(rid))
		}

		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+name)
		span.SetTag("http.url", c.Request.URL.String())
		span.SetTag("http.client_ip", c.ClientIP())

		c.Request = c.Request.WithContext(ctx)
		c.Header(Header, string(span.RequestID))

		c.Next()

		span.SetStatus(c.Writer.Status())
		span.SetTag("http.bytes", strconv.Itoa(c.Writer.Size()))
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		span.Finish()
		tracer.Submit(span)
	}
}
