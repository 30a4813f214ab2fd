// Package stdlib implements the commands that reach outside the engine:
// emitting log records, sleeping, reading the clock and making HTTP requests.
package stdlib

import (
	"context"
	"net/http"
	"time"

	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// Sleeper pauses the calling goroutine. Implementations must return early
// with the context error when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// RealSleeper sleeps on the wall clock.
var RealSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Options configures the collaborator commands.
type Options struct {
	// HTTPClient performs requests. Nil uses a client with DefaultHTTPTimeout.
	HTTPClient *http.Client

	// UserAgent is sent when a request does not set its own.
	UserAgent string

	// MaxResponseSize caps the response body; zero means MaxHTTPResponseSize.
	MaxResponseSize int64

	// Clock returns the current time; nil means time.Now.
	Clock func() time.Time

	// Sleeper backs the sleep command; nil means RealSleeper.
	Sleeper Sleeper
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.MaxResponseSize <= 0 {
		o.MaxResponseSize = MaxHTTPResponseSize
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Sleeper == nil {
		o.Sleeper = RealSleeper
	}
	return o
}

// Commands returns the collaborator command descriptors configured by opts.
func Commands(opts Options) []*command.Descriptor {
	opts = opts.withDefaults()
	return []*command.Descriptor{
		logCommand(),
		sleepCommand(opts),
		getTimeCommand(opts),
		requestCommand(opts),
	}
}

// number returns the numeric value of a resolved argument.
func number(call *command.Call, name string) (float64, error) {
	v, _ := call.Arg(name)
	n, ok := v.AsNumber()
	if !ok {
		return 0, types.NewInvalidParameter("parameter %q of %q must be a number, got %s", name, call.Node.Name, v.Type())
	}
	return n, nil
}

// variable returns the target variable name of a binding parameter.
func variable(call *command.Call, name string) (string, error) {
	s, err := call.String(name)
	if err != nil {
		return "", err
	}
	if s == "" && call.Has(name) {
		return "", types.NewInvalidParameter("parameter %q of %q must not be empty", name, call.Node.Name)
	}
	return s, nil
}
