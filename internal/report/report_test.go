package report

import (
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureEvents routes events into a slice instead of the network.
func captureEvents(t *testing.T) func() []*sentry.Event {
	t.Helper()
	var mu sync.Mutex
	var events []*sentry.Event

	flush, err := initWith(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		flush()
		_ = sentry.Init(sentry.ClientOptions{})
	})

	return func() []*sentry.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*sentry.Event(nil), events...)
	}
}

func TestInit_EmptyDSN(t *testing.T) {
	flush, err := Init("", "test", "dev")
	require.NoError(t, err)
	assert.NotPanics(t, flush)
}

func TestInit_InvalidDSN(t *testing.T) {
	_, err := Init("not a dsn", "test", "dev")
	assert.Error(t, err)
}

func TestError(t *testing.T) {
	events := captureEvents(t)

	Error(errors.New("dead-lettered"), map[string]string{"queue": "video"})
	Error(nil, nil)

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "video", got[0].Tags["queue"])
	require.NotEmpty(t, got[0].Exception)
	assert.Equal(t, "dead-lettered", got[0].Exception[len(got[0].Exception)-1].Value)
}

func TestRecovered(t *testing.T) {
	events := captureEvents(t)

	Recovered("boom", map[string]string{"path": "/upload"})

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "/upload", got[0].Tags["path"])
}
