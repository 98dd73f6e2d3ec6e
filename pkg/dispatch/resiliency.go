package dispatch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// Doer is satisfied by *http.Client and by UpstreamClient, letting
// Dispatcher.HTTPClient hold either without a type assertion.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpstreamClient wraps an http.Client with the resilience pattern every
// upstream dispatch needs: a W3C traceparent header for correlating a
// request across AEX and the provider, a circuit breaker shared by
// every request this client sends instead of queueing
// retries against it, and bounded exponential backoff with jitter on
// 5xx/transport errors.
type UpstreamClient struct {
	client     *http.Client
	maxRetries int
	breaker    *CircuitBreaker
}

func NewUpstreamClient(timeout time.Duration, breakerThreshold int, breakerReset time.Duration) *UpstreamClient {
	return &UpstreamClient{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
		breaker:    NewCircuitBreaker(breakerThreshold, breakerReset),
	}
}

// Do refuses immediately while the circuit breaker is open; otherwise
// it executes req against the upstream, retrying 5xx/transport
// failures with backoff until maxRetries is exhausted or req's context
// is done.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("traceparent", traceparent())

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("dispatch: circuit breaker open for %s", req.URL.Host)
	}

	var resp *http.Response
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.client.Do(req)

		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}

		if i == c.maxRetries {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-req.Context().Done():
			c.breaker.Failure()
			return nil, req.Context().Err()
		case <-time.After(backoff(i)):
		}
	}

	c.breaker.Failure()
	return resp, err
}

func traceparent() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("00-%032x-0000000000000001-01", time.Now().UnixNano())
	}
	return fmt.Sprintf("00-%s-0000000000000001-01", hex.EncodeToString(b[:]))
}

func backoff(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	return base + jitter
}

// CircuitBreaker is a three-state (closed/open/half-open) failure
// detector scoped to one upstream client.
type CircuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, resetTimeout: resetTimeout, state: "closed"}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "open" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "half-open"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "closed"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "open"
	}
}
