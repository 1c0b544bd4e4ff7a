package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rent-billing/internal/metrics"
	"rent-billing/pkg/logger"
)

const maxResponseBody = 1 << 20

// transport is the JSON-over-HTTPS plumbing shared by adapters.
type transport struct {
	provider string
	client   *http.Client
	timeout  time.Duration
}

type call struct {
	op     string
	method string
	url    string
	header http.Header
	body   any
}

type response struct {
	status int
	body   []byte
}

// do sends one request bounded by the transport timeout. Transport errors,
// timeouts and 5xx answers come back as Unknown errors. 4xx answers are
// returned to the caller for provider-specific decoding.
func (t *transport) do(ctx context.Context, c call) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := t.send(ctx, c)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "transport_error"
	case resp.status >= 500:
		outcome = "server_error"
	case resp.status >= 400:
		outcome = "rejected"
	}
	metrics.ObserveGatewayCall(t.provider, c.op, outcome, time.Since(start))

	if err != nil {
		logger.From(ctx).Warn("gateway call failed",
			"provider", t.provider, "op", c.op, "err", err)
		return response{}, &Error{Provider: t.provider, Op: c.op, Code: "transport", Unknown: true, Err: err}
	}
	if resp.status >= 500 {
		return resp, &Error{
			Provider: t.provider,
			Op:       c.op,
			Code:     fmt.Sprintf("http_%d", resp.status),
			Message:  snippet(resp.body),
			Unknown:  true,
		}
	}
	return resp, nil
}

func (t *transport) send(ctx context.Context, c call) (response, error) {
	var body io.Reader
	if c.body != nil {
		b, err := json.Marshal(c.body)
		if err != nil {
			return response{}, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return response{}, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return response{}, err
	}
	return response{status: res.StatusCode, body: b}, nil
}

// retry runs fn up to attempts times while it fails with an Unknown error.
// Only for idempotent reads.
func retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func() (T, error)) (T, error) {
	var out T
	var err error
	for i := 1; i <= attempts; i++ {
		out, err = fn()
		if err == nil || !IsUnknownOutcome(err) || i == attempts {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, errors.Join(err, ctx.Err())
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return out, err
}

func snippet(b []byte) string {
	const n = 256
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// rawJSON keeps provider bodies that are valid JSON and drops anything else.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
