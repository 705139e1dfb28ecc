package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_sequencer/tee/protocol"
)

func operatorFlush(t *testing.T, h http.Handler) (int, FlushResult) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flush", nil))
	var res FlushResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return rec.Code, res
}

func TestOperatorFlush_DrainsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.Equal(t, protocol.RespSwapAck, f.svc.Handle(ctx, f.swapCommand(t, swapIntent(i))))
	}

	code, res := operatorFlush(t, OperatorHandler(f.svc))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, FlushResult{Flushed: 3, Pending: 0}, res)
	assert.Len(t, f.sink.messages(), 1)
}

func TestOperatorFlush_EmptyQueue(t *testing.T) {
	f := newFixture(t)

	code, res := operatorFlush(t, OperatorHandler(f.svc))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, FlushResult{}, res)
	assert.Empty(t, f.sink.messages())
}

func TestOperatorFlush_PushFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.Equal(t, protocol.RespSwapAck, f.svc.Handle(ctx, f.swapCommand(t, swapIntent(1))))
	f.sink.setErr(errors.New("no host connection"))

	code, res := operatorFlush(t, OperatorHandler(f.svc))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, 0, res.Flushed)
	assert.Equal(t, 1, res.Pending)
	assert.NotEmpty(t, res.Error)
}

func TestOperatorHandler_Routes(t *testing.T) {
	h := OperatorHandler(newFixture(t).svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flush", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sequencer_")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/swap", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
