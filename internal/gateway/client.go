package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/syncerr"
)

// maxDownstreamBody caps what the gateway will buffer from one
// instance response.
const maxDownstreamBody = 8 << 20

// FailedInstance describes one downstream failure inside an otherwise
// successful aggregated response.
type FailedInstance struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
	Status     int    `json:"status,omitempty"`
}

// downstreamError carries the downstream failure detail through the
// fan-out so failureOf can rebuild the envelope entry.
type downstreamError struct {
	reason string
	status int
}

func (e *downstreamError) Error() string { return e.reason }

// failureOf converts a downstream call error into its envelope entry.
func failureOf(instanceID string, err error) FailedInstance {
	var de *downstreamError
	if errors.As(err, &de) {
		return FailedInstance{InstanceID: instanceID, Reason: de.reason, Status: de.status}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailedInstance{InstanceID: instanceID, Reason: "timeout"}
	}
	return FailedInstance{InstanceID: instanceID, Reason: err.Error()}
}

// bearerOf extracts the caller's bearer token, empty if absent.
func bearerOf(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authorize sets the downstream Authorization header. A configured
// instance token replaces the caller's bearer.
func authorize(req *http.Request, inst config.Instance, callerBearer string) {
	token := inst.Token
	if token == "" {
		token = callerBearer
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
}

// fetchJSON performs one downstream GET and decodes the 200 body into
// out. Non-200 statuses and undecodable bodies come back as
// downstreamError.
func (g *Gateway) fetchJSON(ctx context.Context, inst config.Instance, path string, query url.Values, bearer, requestID string, out any) error {
	u := strings.TrimSuffix(inst.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	authorize(req, inst, bearer)
	if requestID != "" {
		req.Header.Set(echo.HeaderXRequestID, requestID)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return &downstreamError{reason: "timeout"}
		}
		return &downstreamError{reason: "connection failed"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDownstreamBody))
		return &downstreamError{
			reason: fmt.Sprintf("HTTP %d", resp.StatusCode),
			status: resp.StatusCode,
		}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDownstreamBody)).Decode(out); err != nil {
		metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
		return &downstreamError{reason: "invalid JSON response"}
	}
	metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "ok").Inc()
	return nil
}

// fetchRaw performs one downstream GET and returns the status, body,
// and content type as-is. Only transport failures are errors; HTTP
// error statuses are the caller's to relay.
func (g *Gateway) fetchRaw(ctx context.Context, inst config.Instance, path string, query url.Values, bearer, requestID string) (int, []byte, string, error) {
	u := strings.TrimSuffix(inst.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, "", err
	}
	authorize(req, inst, bearer)
	if requestID != "" {
		req.Header.Set(echo.HeaderXRequestID, requestID)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, "", &downstreamError{reason: "timeout"}
		}
		return 0, nil, "", &downstreamError{reason: "connection failed"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBody))
	if err != nil {
		metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
		return 0, nil, "", &downstreamError{reason: "read response failed"}
	}
	metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "ok").Inc()
	return resp.StatusCode, body, resp.Header.Get(echo.HeaderContentType), nil
}

// instanceResult pairs one instance with its fan-out outcome.
type instanceResult[T any] struct {
	instance config.Instance
	value    T
	err      error
}

// fanOut calls fn once per instance concurrently and returns the
// results in instance order.
func fanOut[T any](ctx context.Context, instances []config.Instance, fn func(context.Context, config.Instance) (T, error)) []instanceResult[T] {
	results := make([]instanceResult[T], len(instances))
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst config.Instance) {
			defer wg.Done()
			v, err := fn(ctx, inst)
			results[i] = instanceResult[T]{instance: inst, value: v, err: err}
		}(i, inst)
	}
	wg.Wait()
	return results
}

// splitResults separates successes from the failure envelope entries.
func splitResults[T any](results []instanceResult[T]) ([]instanceResult[T], []FailedInstance) {
	ok := make([]instanceResult[T], 0, len(results))
	var failed []FailedInstance
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, failureOf(r.instance.InstanceID, r.err))
			continue
		}
		ok = append(ok, r)
	}
	return ok, failed
}

// envelope stamps the partial-failure fields onto a merged payload.
func envelope(payload map[string]any, failed []FailedInstance) map[string]any {
	payload["partial"] = len(failed) > 0
	if len(failed) > 0 {
		payload["failedInstances"] = failed
	}
	return payload
}

// downstreamQuery copies the caller's query string minus the
// gateway-level selection and paging parameters.
func downstreamQuery(c echo.Context) url.Values {
	q := url.Values{}
	for k, vs := range c.QueryParams() {
		switch k {
		case "instanceId", "instanceIds", "limit", "offset":
			continue
		}
		q[k] = vs
	}
	return q
}

// proxyOne forwards the request verbatim to exactly one instance and
// relays its response, whatever the status. Used for writes and for
// reads that only make sense against a single instance.
func (g *Gateway) proxyOne(c echo.Context) error {
	inst, err := g.selectOne(c)
	if err != nil {
		return g.fail(c, err)
	}

	req := c.Request()
	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(io.LimitReader(req.Body, maxDownstreamBody))
		if err != nil {
			return g.fail(c, syncerr.Invalid("read request body: %v", err))
		}
	}

	u := strings.TrimSuffix(inst.BaseURL, "/") + req.URL.Path
	if q := downstreamQuery(c); len(q) > 0 {
		u += "?" + q.Encode()
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, u, bytes.NewReader(body))
	if err != nil {
		return g.fail(c, err)
	}
	if ct := req.Header.Get(echo.HeaderContentType); ct != "" {
		out.Header.Set(echo.HeaderContentType, ct)
	}
	authorize(out, inst, bearerOf(c))
	out.Header.Set(echo.HeaderXRequestID, requestIDOf(c))

	resp, err := g.client.Do(out)
	if err != nil {
		metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
		return g.failAll(c, []FailedInstance{failureOf(inst.InstanceID, &downstreamError{reason: "connection failed"})})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBody))
	if err != nil {
		metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "error").Inc()
		return g.failAll(c, []FailedInstance{failureOf(inst.InstanceID, &downstreamError{reason: "read response failed"})})
	}
	metrics.DownstreamRequests.WithLabelValues(inst.InstanceID, "ok").Inc()

	ct := resp.Header.Get(echo.HeaderContentType)
	if ct == "" {
		ct = echo.MIMEApplicationJSON
	}
	return c.Blob(resp.StatusCode, ct, respBody)
}
