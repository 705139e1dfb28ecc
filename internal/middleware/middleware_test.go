package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Seen-Trace", logging.TraceID(r.Context()))
	w.WriteHeader(http.StatusTeapot)
}

func TestTracingMiddleware_GeneratesAndPropagates(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("test", "info", "json")
	logger.SetOutput(&buf)

	h := NewTracingMiddleware(logger).Handler(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	generated := rec.Header().Get(TraceHeader)
	require.NotEmpty(t, generated)
	assert.Equal(t, generated, rec.Header().Get("X-Seen-Trace"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), "/health")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceHeader, "given")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "given", rec.Header().Get(TraceHeader))
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	h := rl.Handler(http.HandlerFunc(okHandler))

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/swap", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusTeapot, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTeapot, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	assert.Equal(t, http.StatusTeapot, do("10.0.0.2:1000"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	for i := 0; i <= maxLimiters; i++ {
		rl.getLimiter(string(rune(i)))
	}
	rl.Cleanup()
	assert.Empty(t, rl.limiters)
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware())
	r.HandleFunc("/batches/{hash}", okHandler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/0xabc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, err := rw.Write([]byte("x"))
	require.NoError(t, err)
	rw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusOK, rw.statusCode)
}

func TestResponseWriter_Hijack(t *testing.T) {
	// httptest.ResponseRecorder cannot be hijacked.
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
	assert.NotNil(t, rw.Unwrap())
}
