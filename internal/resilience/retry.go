// Package resilience wraps outbound service-registration HTTP calls with
// the fixed retry-budget policy spec.md calls for: retry total times with
// backoff_factor-based exponential backoff on network errors and a
// configurable set of "retry-able" status codes. Adapted from the
// teacher's internal/circuitbreaker/breaker.go, repurposing its
// Counts/generation bookkeeping as a per-call retry budget instead of the
// persistent CLOSED/OPEN/HALF_OPEN gate it guards there — a one-shot
// registration call should exhaust its own retries and return, not trip a
// breaker shared across future calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// Policy mirrors urllib3's Retry(total, backoff_factor, status_forcelist),
// the shape huskar_sdk_v2's service registry client configures directly.
type Policy struct {
	Total           int     // maximum retry attempts beyond the first
	BackoffFactor   float64 // seconds; sleep = backoff_factor * 2^(attempt-1)
	StatusForceList []int   // response codes that count as retry-able failures
}

// DefaultPolicy matches spec.md's Retry(total=3, backoff_factor=0.1,
// status_forcelist=[500,502,503,504]).
func DefaultPolicy() Policy {
	return Policy{
		Total:           3,
		BackoffFactor:   0.1,
		StatusForceList: []int{500, 502, 503, 504},
	}
}

func (p Policy) isForced(status int) bool {
	for _, s := range p.StatusForceList {
		if s == status {
			return true
		}
	}
	return false
}

func (p Policy) backoff(attempt int) time.Duration {
	seconds := p.BackoffFactor * math.Pow(2, float64(attempt-1))
	return time.Duration(seconds * float64(time.Second))
}

// Do executes req via client, retrying per Policy on a network error or a
// StatusForceList response code. The response body of every retried
// attempt is drained and closed before the next attempt, since http.Client
// cannot reuse the connection otherwise. The caller owns the final
// response's body.
func Do(ctx context.Context, client *http.Client, policy Policy, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.Total; attempt++ {
		if attempt > 0 {
			wait := policy.backoff(attempt)
			slog.Warn("resilience: retrying request", "attempt", attempt, "wait", wait, "err", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("resilience: build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if !policy.isForced(resp.StatusCode) {
			return resp, nil
		}

		lastErr = fmt.Errorf("resilience: retry-able status %d", resp.StatusCode)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, policy.Total+1, lastErr)
}

// ErrExhausted wraps the error returned once every attempt permitted by a
// Policy has failed.
var ErrExhausted = errors.New("resilience: retries exhausted")
