package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookSink POSTs each notification as JSON to a configured endpoint.
// Transient failures are retried with exponential backoff and jitter; after
// the final attempt the notification is dropped and logged.
type WebhookSink struct {
	url     string
	client  *http.Client
	retrier retrier
	logger  zerolog.Logger
}

type message struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewWebhookSink(url string, timeout time.Duration, maxRetries int, logger zerolog.Logger) *WebhookSink {
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retrier: newRetrier(500*time.Millisecond, 5*time.Second, maxRetries),
		logger:  logger.With().Str("component", "webhook").Logger(),
	}
}

func (s *WebhookSink) Publish(ctx context.Context, clientID, eventType string) {
	body, err := json.Marshal(message{Type: eventType, ClientID: clientID, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	go func() {
		err := s.retrier.do(func() error { return s.post(body) }, retryable)
		if err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Str("event", eventType).Msg("Notification dropped")
		}
	}()
}

func (s *WebhookSink) post(body []byte) error {
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return statusError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return errors.New(http.StatusText(resp.StatusCode))
	}
	return nil
}

type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
}

func newRetrier(initial, max time.Duration, maxRetries int) retrier {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retrier{initial: initial, max: max, maxRetries: maxRetries}
}

func (r retrier) do(fn func() error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		time.Sleep(backoffWithJitter(r.initial, r.max, attempt))
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr statusError
	return errors.As(err, &statusErr)
}

type statusError struct {
	status int
}

func (e statusError) Error() string {
	return http.StatusText(e.status)
}
