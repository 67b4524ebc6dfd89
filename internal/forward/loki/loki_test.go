package loki

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/forward"
	"github.com/Chichichkin/EnclaveLogRelay/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSender(url string, maxRetries int) *Sender {
	s := NewLokiSender(url, maxRetries, map[string]string{"enclave_cid": "16"}, testutils.NullLogger())
	s.retryDelay = time.Millisecond
	return s
}

func TestLokiSender_SendBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload Payload
		err := json.NewDecoder(r.Body).Decode(&payload)
		assert.NoError(t, err)

		if assert.Equal(t, 1, len(payload.Streams)) {
			assert.Equal(t, "16", payload.Streams[0].Stream["enclave_cid"])
			assert.Equal(t, "enclave-log-relay", payload.Streams[0].Stream["job"])
			assert.Equal(t, "boot ok", payload.Streams[0].Values[0][1])
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := newSender(server.URL, 3)

	entries := []forward.Entry{
		{ID: 1, Timestamp: time.Now(), Message: "boot ok"},
	}

	err := sender.SendBatch(entries)
	assert.NoError(t, err)
}

func TestLokiSender_SendBatch_Retry(t *testing.T) {
	var retryCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if retryCount.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := newSender(server.URL, 3)

	err := sender.SendBatch([]forward.Entry{{Timestamp: time.Now(), Message: "test message"}})
	assert.NoError(t, err)
	assert.Equal(t, int32(2), retryCount.Load())
}

func TestLokiSender_SendBatch_AllRetriesFail(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("ingester unavailable"))
	}))
	defer server.Close()

	sender := newSender(server.URL, 2)

	err := sender.SendBatch([]forward.Entry{{Timestamp: time.Now(), Message: "test message"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingester unavailable")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestLokiSender_EmptyBatch(t *testing.T) {
	sender := newSender("http://127.0.0.1:1", 1)
	assert.NoError(t, sender.SendBatch(nil))
}

func TestLokiSender_CreatePayload(t *testing.T) {
	sender := newSender("http://test:3100", 3)

	now := time.Now()
	entries := []forward.Entry{
		{ID: 1, Timestamp: now, Message: "message 1"},
		{ID: 2, Timestamp: now.Add(time.Second), Message: "message 2"},
		{ID: 3, Timestamp: now.Add(2 * time.Second), Message: "message 3", Labels: map[string]string{"source": "file"}},
	}

	payload := sender.createPayload(entries)

	require.Equal(t, 2, len(payload.Streams))
	assert.Equal(t, 2, len(payload.Streams[0].Values))
	assert.Equal(t, "message 1", payload.Streams[0].Values[0][1])
	assert.Equal(t, "message 2", payload.Streams[0].Values[1][1])
	assert.Equal(t, 1, len(payload.Streams[1].Values))
	assert.Equal(t, "file", payload.Streams[1].Stream["source"])
	assert.Equal(t, "16", payload.Streams[1].Stream["enclave_cid"])
}
