package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWebhookDeliversAfterTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	delivered := make(chan message, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var msg message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		delivered <- msg
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, time.Second, 3, zerolog.Nop())
	sink.retrier = newRetrier(time.Millisecond, 10*time.Millisecond, 3)

	sink.Publish(context.Background(), "m1", "client_down")

	select {
	case msg := <-delivered:
		require.Equal(t, "client_down", msg.Type)
		require.Equal(t, "m1", msg.ClientID)
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
	require.Equal(t, int32(2), attempts.Load())
}

func TestWebhookGivesUpOnClientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, time.Second, 5, zerolog.Nop())
	sink.retrier = newRetrier(time.Millisecond, 10*time.Millisecond, 5)
	sink.Publish(context.Background(), "m1", "client_down")

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), attempts.Load(), "4xx responses must not be retried")
}

func TestRetrierStopsAtMaxRetries(t *testing.T) {
	r := newRetrier(time.Millisecond, 2*time.Millisecond, 2)
	var calls int
	err := r.do(func() error {
		calls++
		return statusError{status: http.StatusServiceUnavailable}
	}, retryable)
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, retryable(statusError{status: 500}))
	require.False(t, retryable(errors.New("parse failure")))
	require.False(t, retryable(nil))
}

func TestBackoffWithJitterStaysBounded(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffWithJitter(initial, max, attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, max)
	}
}
