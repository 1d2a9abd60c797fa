package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddlewarePropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New(nil)
	defer tracer.Close()

	var seen RequestID
	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	r.GET("/ping", func(c *gin.Context) {
		seen = FromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		header string
	}{
		{"inbound id is kept", "req-123"},
		{"missing id is minted", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set(Header, tt.header)
			}
			r.ServeHTTP(w, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, string(seen), w.Header().Get(Header))
			if tt.header != "" {
				assert.Equal(t, RequestID(tt.header), seen)
			}
		})
	}
}

func TestStartSpanReusesContextID(t *testing.T) {
	tracer := New(nil)
	defer tracer.Close()

	ctx := WithRequestID(context.Background(), "abc")
	span, ctx2 := tracer.StartSpan(ctx, "op")
	assert.Equal(t, RequestID("abc"), span.RequestID)
	assert.Equal(t, RequestID("abc"), FromContext(ctx2))

	span, ctx3 := tracer.StartSpan(context.Background(), "op")
	assert.NotEmpty(t, span.RequestID)
	assert.Equal(t, span.RequestID, FromContext(ctx3))
	span.Finish()
	tracer.Submit(span)
}
