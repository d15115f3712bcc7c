// Package graphql_datasource implements the executor's Transport against
// plain GraphQL-over-HTTP services.
package graphql_datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/buger/jsonparser"
	log "github.com/jensneuse/abstractlogger"

	"github.com/graphgate/graphgate/pkg/engine/resolve"
)

const defaultRequestTimeout = 30 * time.Second

// ServiceConfig names one reachable service.
type ServiceConfig struct {
	Name string
	URL  string
}

// Client dispatches GraphQL requests to services over HTTP POST. Safe for
// concurrent use. Transient transport failures retry a bounded number of
// times before being reported; service-side GraphQL errors never retry.
type Client struct {
	httpClient *http.Client
	urls       map[string]string
	retries    int
	log        log.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

// WithRetries sets how many times a transient failure is retried before it
// becomes a path error. Zero disables retrying.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

func NewClient(services []ServiceConfig, options ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		urls:       make(map[string]string, len(services)),
		log:        log.NoopLogger,
	}
	for _, service := range services {
		c.urls[service.Name] = service.URL
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *Client) Fetch(ctx context.Context, service string, request resolve.Request) (*resolve.Response, error) {
	url, ok := c.urls[service]
	if !ok {
		return nil, &resolve.FetchError{
			Kind:    resolve.ServiceUnreachable,
			Service: service,
			Err:     fmt.Errorf("service %q is not configured", service),
		}
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, &resolve.FetchError{Kind: resolve.MalformedServiceResponse, Service: service, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Debug("graphql_datasource: retrying fetch",
				log.String("service", service),
				log.Int("attempt", attempt),
			)
		}
		response, err := c.do(ctx, service, url, body)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, c.classify(service, lastErr)
}

func (c *Client) do(ctx context.Context, service, url string, body []byte) (*resolve.Response, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, err
	}
	if httpResponse.StatusCode >= http.StatusInternalServerError {
		return nil, &transientStatusError{status: httpResponse.StatusCode}
	}
	if httpResponse.StatusCode != http.StatusOK {
		return nil, &resolve.FetchError{
			Kind:    resolve.MalformedServiceResponse,
			Service: service,
			Err:     fmt.Errorf("unexpected status %d", httpResponse.StatusCode),
		}
	}

	return parseResponse(service, responseBody)
}

// parseResponse splits the GraphQL response envelope into data and errors.
func parseResponse(service string, body []byte) (*resolve.Response, error) {
	data, dataType, _, err := jsonparser.Get(body, "data")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, &resolve.FetchError{
			Kind:    resolve.MalformedServiceResponse,
			Service: service,
			Err:     fmt.Errorf("undecodable response body: %w", err),
		}
	}

	response := &resolve.Response{}
	if dataType == jsonparser.Object {
		response.Data = append(json.RawMessage(nil), data...)
	}

	errorsRaw, errorsType, _, _ := jsonparser.Get(body, "errors")
	if errorsType == jsonparser.Array {
		if err := json.Unmarshal(errorsRaw, &response.Errors); err != nil {
			return nil, &resolve.FetchError{
				Kind:    resolve.MalformedServiceResponse,
				Service: service,
				Err:     fmt.Errorf("undecodable errors list: %w", err),
			}
		}
	}

	if response.Data == nil && len(response.Errors) == 0 {
		return nil, &resolve.FetchError{
			Kind:    resolve.MalformedServiceResponse,
			Service: service,
			Err:     errors.New("response carries neither data nor errors"),
		}
	}
	return response, nil
}

type transientStatusError struct {
	status int
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

func isTransient(err error) bool {
	var statusErr *transientStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	var fetchErr *resolve.FetchError
	if errors.As(err, &fetchErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) classify(service string, err error) error {
	var fetchErr *resolve.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}
	kind := resolve.ServiceUnreachable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = resolve.ServiceTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = resolve.ServiceTimeout
	}
	c.log.Error("graphql_datasource: fetch failed",
		log.String("service", service),
		log.Error(err),
	)
	return &resolve.FetchError{Kind: kind, Service: service, Err: err}
}
