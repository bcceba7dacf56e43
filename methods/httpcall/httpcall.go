// Package httpcall exposes remote HTTP endpoints as task methods.
//
// The method's mapped input is sent as a JSON body (or as query
// parameters for GET and DELETE) and the decoded JSON response becomes the
// method result. Failures carry codes the engine's error routing can act
// on: transport errors and 5xx responses are UNAVAILABLE, 429 is
// RATE_LIMITED, 408 is TIMEOUT, 404 and 409 keep their meaning and other
// 4xx responses are INVALID_INPUT. Only throttling, timeouts and server
// errors are retryable. The response status and body travel in the error
// data.
package httpcall

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/tasks"
)

// DefaultTimeout bounds a call when the endpoint sets none.
const DefaultTimeout = 30 * time.Second

// Endpoint describes one remote method.
type Endpoint struct {
	Name    string
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
}

// NewClient creates the resty client shared by endpoints. Retries are left
// to the engine's retry schedule, so the client never retries on its own.
func NewClient() *resty.Client {
	return resty.New().
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
}

// New returns a method that calls ep with client.
func New(client *resty.Client, ep Endpoint) tasks.Method {
	verb := strings.ToUpper(ep.Method)
	if verb == "" {
		verb = http.MethodPost
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return func(ctx context.Context, input map[string]any) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req := client.R().
			SetContext(ctx).
			SetHeaders(ep.Headers)
		if verb == http.MethodGet || verb == http.MethodDelete {
			req.SetQueryParams(queryParams(input))
		} else {
			req.SetHeader("Content-Type", "application/json").SetBody(input)
		}

		resp, err := req.Execute(verb, ep.URL)
		if err != nil {
			if stderrors.Is(err, context.DeadlineExceeded) {
				return nil, errors.New(errors.ErrCodeTimeout,
					fmt.Sprintf("%s: %s %s timed out", ep.Name, verb, ep.URL), errors.WithCause(err))
			}
			return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable,
				fmt.Sprintf("%s: %s %s", ep.Name, verb, ep.URL))
		}

		body := decode(resp.Body())
		if resp.IsError() {
			return nil, statusError(ep, resp.StatusCode(), body)
		}
		return body, nil
	}
}

// Register adds a method for each endpoint to methods.
func Register(methods tasks.Methods, client *resty.Client, endpoints ...Endpoint) tasks.Methods {
	for _, ep := range endpoints {
		methods[ep.Name] = New(client, ep)
	}
	return methods
}

// statusError classifies a failed response. Throttling, request timeouts
// and server errors are transient; other client errors are permanent, so
// retrying the same request is pointless.
func statusError(ep Endpoint, status int, body any) error {
	code := errors.ErrCodeInvalidInput
	category := errors.CategoryPermanent
	switch {
	case status == http.StatusTooManyRequests:
		code, category = errors.ErrCodeRateLimit, errors.CategoryResource
	case status == http.StatusRequestTimeout:
		code, category = errors.ErrCodeTimeout, errors.CategoryTransient
	case status == http.StatusNotFound:
		code = errors.ErrCodeNotFound
	case status == http.StatusConflict:
		code = errors.ErrCodeConflict
	case status >= 500:
		code, category = errors.ErrCodeUnavailable, errors.CategoryTransient
	}
	return errors.New(code,
		fmt.Sprintf("%s: %s returned %d", ep.Name, ep.URL, status),
		errors.WithCategory(category),
		errors.WithRetryable(category.IsRetryable()),
		errors.WithMetadata("endpoint", ep.Name),
		errors.WithMetadata("status", strconv.Itoa(status)),
		errors.WithData(map[string]any{"status": status, "body": body}))
}

// decode parses a JSON body. A body that is not JSON is returned as a
// string; an empty body is nil.
func decode(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func queryParams(input map[string]any) map[string]string {
	params := make(map[string]string, len(input))
	for k, v := range input {
		switch t := v.(type) {
		case nil:
		case string:
			params[k] = t
		default:
			raw, err := json.Marshal(t)
			if err != nil {
				continue
			}
			params[k] = string(raw)
		}
	}
	return params
}
