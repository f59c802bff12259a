// Package classifier wraps the external language-model call behind a small
// interface with a bounded, cancellable retry policy. Which provider sits
// behind the interface is a configuration detail.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Request is one model invocation: a system instruction plus a user prompt.
type Request struct {
	System string
	User   string
}

// Usage accumulates token accounting across calls and retries.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Client performs exactly one model invocation. Implementations must honor
// context cancellation.
type Client interface {
	Complete(ctx context.Context, req Request) (string, Usage, error)
}

// Func adapts a function to the Client interface; tests script fakes with it.
type Func func(ctx context.Context, req Request) (string, Usage, error)

func (f Func) Complete(ctx context.Context, req Request) (string, Usage, error) {
	return f(ctx, req)
}

// UnavailableError reports that every retry attempt failed. It carries the
// last underlying error for diagnostics.
type UnavailableError struct {
	Attempts int
	Last     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("classifier unavailable after %d attempts: %v", e.Attempts, e.Last)
}

func (e *UnavailableError) Unwrap() error {
	return e.Last
}

// IsUnavailable reports whether err is a retry-exhaustion failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

const (
	defaultAttempts = 5
	defaultPause    = 10 * time.Second
)

// Retrier turns a single-shot Client into one with the run's retry contract:
// up to Attempts tries, Pause between them, cancellation observed before
// every attempt and during the pause. A syntactically valid "no label fits"
// reply is a normal result and is never retried; only transport errors and
// empty responses are.
type Retrier struct {
	Client   Client
	Attempts int
	Pause    time.Duration
}

func NewRetrier(c Client) *Retrier {
	return &Retrier{Client: c, Attempts: defaultAttempts, Pause: defaultPause}
}

func (r *Retrier) Complete(ctx context.Context, req Request) (string, Usage, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = defaultAttempts
	}
	var total Usage
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		text, usage, err := r.Client.Complete(ctx, req)
		total.Add(usage)
		if err == nil {
			if strings.TrimSpace(text) != "" {
				return text, total, nil
			}
			err = errors.New("empty model response")
		}
		if ctx.Err() != nil {
			return "", total, ctx.Err()
		}
		lastErr = err
		log.Printf("classifier attempt %d/%d failed: %v", attempt, attempts, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", total, ctx.Err()
		case <-time.After(r.Pause):
		}
	}
	return "", total, &UnavailableError{Attempts: attempts, Last: lastErr}
}
