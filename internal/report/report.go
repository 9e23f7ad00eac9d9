// Package report forwards terminal failures to Sentry.
// All functions are no-ops until Init is called with a DSN.
package report

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// FlushTimeout bounds how long Flush waits for buffered events.
const FlushTimeout = 2 * time.Second

// Init configures the global Sentry client. It returns a flush func to
// defer in main. An empty dsn disables reporting.
func Init(dsn, environment, release string) (func(), error) {
	return initWith(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
}

func initWith(opts sentry.ClientOptions) (func(), error) {
	if opts.Dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(opts); err != nil {
		return nil, fmt.Errorf("sentry.Init: %w", err)
	}
	return func() { sentry.Flush(FlushTimeout) }, nil
}

// Error reports err with tags.
func Error(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Recovered reports a recovered panic value with tags.
func Recovered(v any, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CurrentHub().Recover(v)
	})
}
