// Package ping probes HTTP endpoints for liveness.
package ping

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// Error indicates the endpoint never became reachable.
type Error struct {
	URL      string
	Attempts int
	Last     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ping %s failed after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

func (e *Error) Unwrap() error { return e.Last }

// Options control the retry schedule of a ping.
type Options struct {
	Attempts  int
	Delay     time.Duration
	MaxJitter time.Duration
	MaxDelay  time.Duration
}

// DefaultOptions mirror the historical probe schedule: five attempts
// starting at 500ms, doubling up to 15s, with up to 200ms of jitter.
func DefaultOptions() Options {
	return Options{
		Attempts:  5,
		Delay:     500 * time.Millisecond,
		MaxJitter: 200 * time.Millisecond,
		MaxDelay:  15 * time.Second,
	}
}

// Pinger issues HEAD requests with Connection: close and no redirect
// following. Any HTTP response, including errors >= 400, counts as the
// endpoint being reachable.
type Pinger struct {
	client *http.Client
}

func New() *Pinger {
	return &Pinger{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Ping attempts to load the URL until it responds or the attempts are
// exhausted.
func (p *Pinger) Ping(ctx context.Context, url string, o Options) error {
	if o.Attempts <= 0 {
		o = DefaultOptions()
	}

	var last error
	delay := o.Delay
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Connection", "close")

		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		last = err

		if attempt == o.Attempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(o.MaxJitter) + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > o.MaxDelay {
			delay = o.MaxDelay
		}
	}
	return &Error{URL: url, Attempts: o.Attempts, Last: last}
}
