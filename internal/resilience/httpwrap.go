package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient wraps an http.Client with per-attempt timeout, optional retry and
// a circuit breaker. With MaxAttempts <= 1 a failed call fails the request.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// NewHTTPClient returns an HTTPClient whose transport emits client spans.
func NewHTTPClient(timeout time.Duration, maxAttempts int, breaker *Breaker) HTTPClient {
	return HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     breaker,
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: maxAttempts,
		Jitter:      0.2,
		Timeout:     timeout,
	}
}

// Do executes the request. The body is buffered so retries can replay it.
// Responses with status < 500 are returned to the caller untouched; the caller
// owns the body. ErrOpenCircuit is returned while the breaker is open.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	target := "default"
	if breaker != nil {
		target = breaker.targetLabel()
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	var lastResp *http.Response
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if breaker != nil && !breaker.Allow(ctx) {
			lastErr = ErrOpenCircuit
			break
		}
		if lastResp != nil {
			drain(lastResp)
			lastResp = nil
		}
		resp, err := cl.doOnce(ctx, cloneRequest(ctx, req, body))
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			if breaker != nil {
				breaker.Report(ctx, true)
			}
			UpstreamAttempts.WithLabelValues(target, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
			return resp, nil
		}
		if breaker != nil {
			breaker.Report(ctx, false)
		}
		if err != nil {
			UpstreamAttempts.WithLabelValues(target, "error").Inc()
			lastErr = err
		} else {
			UpstreamAttempts.WithLabelValues(target, "5xx").Inc()
			lastErr = nil
			lastResp = resp
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(Backoff(cl.BaseBackoff, attempt, cl.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastResp != nil {
				drain(lastResp)
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if lastResp != nil && lastErr == nil {
		// the final 5xx is handed back so the caller can read the processor error body
		return lastResp, nil
	}
	if lastResp != nil {
		drain(lastResp)
	}
	return nil, lastErr
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	if timeout <= 0 {
		return cl.Client.Do(req)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Backoff doubles base for every attempt after the first and spreads the result
// by ±jitterPct (0.2 means 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
