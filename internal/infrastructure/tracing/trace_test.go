package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStartSpanRootAndChild(t *testing.T) {
	tracer := New("test", zap.NewNop())
	defer tracer.Close()

	root, ctx := tracer.StartSpan(context.Background(), "root")
	child, ctx := tracer.StartSpan(ctx, "child")

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.Equal(t, child.SpanID, GetSpanID(ctx))
	assert.Empty(t, root.ParentID)
}

func TestExtractInject(t *testing.T) {
	in := http.Header{}
	in.Set(HeaderTraceID, "req_trace")
	in.Set(HeaderSpanID, "req_span")

	ctx := Extract(context.Background(), in)
	assert.Equal(t, TraceID("req_trace"), GetTraceID(ctx))

	out := http.Header{}
	Inject(ctx, out)
	assert.Equal(t, "req_trace", out.Get(HeaderTraceID))
	assert.Equal(t, "req_span", out.Get(HeaderSpanID))

	empty := http.Header{}
	Inject(context.Background(), empty)
	assert.Empty(t, empty)
}

func TestCloseFlushesSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("test", zap.New(core))

	span, _ := tracer.StartSpan(context.Background(), "reserve")
	span.SetError(errors.New("appium down"))
	span.Finish()
	tracer.Submit(span)
	tracer.Close()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "span completed with error", entry.Message)
	assert.EqualValues(t, http.StatusInternalServerError, entry.ContextMap()["status"])

	// Submitting after close must not panic.
	tracer.Submit(span)
}

func TestHTTPMiddlewarePropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("test", zap.NewNop())
	defer tracer.Close()

	var seen TraceID
	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	r.GET("/devices/:id", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/devices/emulator-5554", nil)
	req.Header.Set(HeaderTraceID, "req_upstream")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, TraceID("req_upstream"), seen)
	assert.Equal(t, "req_upstream", w.Header().Get(HeaderTraceID))
	assert.NotEmpty(t, w.Header().Get(HeaderSpanID))
}
