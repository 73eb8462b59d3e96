package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	"github.com/courierq/courier/internal/circuitbreaker"
)

// maxFetchBody caps the response size to prevent a misbehaving upstream
// from causing unbounded memory allocation.
const maxFetchBody = 32 << 20

// Fetch performs an outbound HTTP request described by the command input.
// Responses can be returned whole or reduced to selected JSON paths. A
// per-host circuit breaker fails fast against upstreams that are already
// down instead of burning the command timeout on each attempt.
type Fetch struct {
	client   *http.Client
	breakers *circuitbreaker.Registry
}

// NewFetch creates a Fetch handler. resolver may be nil to disable DNS
// caching.
func NewFetch(resolver *dnscache.Resolver) *Fetch {
	return &Fetch{
		client:   &http.Client{Transport: newTransport(resolver)},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
	}
}

// newTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

type fetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // default GET
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// Extract maps output field names to gjson paths evaluated against a
	// JSON response body. Empty = return the raw body.
	Extract map[string]string `json:"extract,omitempty"`
}

type fetchResponse struct {
	Status    int                        `json:"status"`
	Body      string                     `json:"body,omitempty"`
	Extracted map[string]json.RawMessage `json:"extracted,omitempty"`
}

// Handle implements courier.Handler. Upstream 5xx responses and transport
// errors are returned as errors so the attempt budget drives retries; 4xx
// responses are a result, retrying cannot fix the request.
func (f *Fetch) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req fetchRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode fetch input: %w", err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	breaker := f.breakers.GetOrCreate(target.Host)
	if !breaker.Allow() {
		return nil, fmt.Errorf("circuit open for %s", target.Host)
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	outReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		outReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(outReq)
	if err != nil {
		breaker.RecordError(circuitbreaker.ClassifyError(err))
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if weight := circuitbreaker.ClassifyStatus(resp.StatusCode); weight > 0 {
		breaker.RecordError(weight)
	} else {
		breaker.RecordSuccess()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream %s returned %d", target.Host, resp.StatusCode)
	}

	out := fetchResponse{Status: resp.StatusCode}
	if len(req.Extract) > 0 {
		out.Extracted = make(map[string]json.RawMessage, len(req.Extract))
		for field, path := range req.Extract {
			r := gjson.GetBytes(data, path)
			if !r.Exists() {
				out.Extracted[field] = json.RawMessage("null")
				continue
			}
			out.Extracted[field] = json.RawMessage(r.Raw)
		}
	} else {
		out.Body = string(data)
	}
	return json.Marshal(out)
}
