package queue_test

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
)

func TestMemoryBroker(t *testing.T) {
	queuetest.RunBrokerSuite(t, func(t *testing.T, clock *queuetest.Clock) queue.Broker {
		_, l := logger.NewTestLogger(t)
		return queue.NewMemoryBroker(l, queue.WithBrokerClock(clock.Now))
	})
}

func TestErrorText(t *testing.T) {
	assert.Empty(t, queue.ErrorText(nil))
	assert.Equal(t, "provider timeout", queue.ErrorText(errors.New("provider timeout")))

	long := queue.ErrorText(errors.New(strings.Repeat("x", 5000)))
	assert.Len(t, long, 2000)

	// A two-byte rune straddling the limit is dropped rather than split.
	split := queue.ErrorText(errors.New(strings.Repeat("a", 1999) + "é tail"))
	assert.True(t, utf8.ValidString(split))
	assert.Equal(t, strings.Repeat("a", 1999), split)
}

func TestBackoffNext(t *testing.T) {
	tests := []struct {
		name     string
		backoff  queue.Backoff
		attempts int
		want     time.Duration
	}{
		{"fixed first", queue.Backoff{Type: queue.BackoffFixed, Delay: 5 * time.Second}, 1, 5 * time.Second},
		{"fixed later", queue.Backoff{Type: queue.BackoffFixed, Delay: 5 * time.Second}, 4, 5 * time.Second},
		{"exponential first", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}, 1, time.Second},
		{"exponential third", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}, 3, 4 * time.Second},
		{"exponential capped", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Hour}, 20, 24 * time.Hour},
		{"zero delay", queue.Backoff{Type: queue.BackoffExponential}, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Next(tt.attempts))
		})
	}
}

func TestJobOptionsNormalize(t *testing.T) {
	got := queue.JobOptions{
		Priority:    42,
		Delay:       -time.Second,
		MaxAttempts: 0,
		Backoff:     queue.Backoff{Type: "linear", Delay: time.Second},
		Retention:   queue.Retention{KeepCompleted: -1, KeepFailed: 3},
	}.Normalize()

	assert.Equal(t, queue.JobOptions{
		Priority:    42,
		MaxAttempts: 1,
		Backoff:     queue.Backoff{Type: queue.BackoffFixed, Delay: time.Second},
		Retention:   queue.Retention{KeepFailed: 3},
		Class:       queue.ClassBackground,
	}, got)
}
