package graphql

import (
	"context"
	"fmt"
	"time"

	"github.com/buger/jsonparser"
	log "github.com/jensneuse/abstractlogger"
	"golang.org/x/sync/errgroup"

	"github.com/graphgate/graphgate/pkg/engine/resolve"
	"github.com/graphgate/graphgate/pkg/federation"
)

// serviceSDLQuery is the composition-time half of the entity resolver
// protocol: every service exposes its schema text through _service { sdl }.
const serviceSDLQuery = `{_service {sdl}}`

// ServiceConfig names one service to compose, as it appears in the gateway
// configuration.
type ServiceConfig struct {
	Name string
	URL  string
}

// SDLFetcher collects service SDLs and keeps a gateway recomposed. Fetches
// run concurrently across services; a fetch round is all-or-nothing so a
// half-reachable fleet never composes a partial graph.
type SDLFetcher struct {
	transport resolve.Transport
	services  []ServiceConfig
	interval  time.Duration
	log       log.Logger
}

type FetcherOption func(*SDLFetcher)

func WithFetchLogger(logger log.Logger) FetcherOption {
	return func(f *SDLFetcher) {
		f.log = logger
	}
}

// WithPollInterval enables periodic re-fetching; zero keeps the initial
// composition only.
func WithPollInterval(interval time.Duration) FetcherOption {
	return func(f *SDLFetcher) {
		f.interval = interval
	}
}

func NewSDLFetcher(transport resolve.Transport, services []ServiceConfig, options ...FetcherOption) *SDLFetcher {
	f := &SDLFetcher{
		transport: transport,
		services:  services,
		log:       log.NoopLogger,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// Fetch retrieves every service's SDL concurrently and returns the service
// definitions ready for composition.
func (f *SDLFetcher) Fetch(ctx context.Context) ([]federation.ServiceDefinition, error) {
	definitions := make([]federation.ServiceDefinition, len(f.services))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, service := range f.services {
		i, service := i, service
		group.Go(func() error {
			sdl, err := f.fetchSDL(groupCtx, service)
			if err != nil {
				return fmt.Errorf("fetch sdl of service %q: %w", service.Name, err)
			}
			definitions[i] = federation.ServiceDefinition{Name: service.Name, URL: service.URL, SDL: sdl}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return definitions, nil
}

func (f *SDLFetcher) fetchSDL(ctx context.Context, service ServiceConfig) (string, error) {
	response, err := f.transport.Fetch(ctx, service.Name, resolve.Request{Query: serviceSDLQuery})
	if err != nil {
		return "", err
	}
	if len(response.Errors) > 0 {
		return "", fmt.Errorf("service reported: %s", response.Errors[0].Message)
	}
	sdl, err := jsonparser.GetString(response.Data, "_service", "sdl")
	if err != nil {
		return "", fmt.Errorf("response carries no _service.sdl: %w", err)
	}
	return sdl, nil
}

// Update runs one fetch-and-compose round against the gateway.
func (f *SDLFetcher) Update(ctx context.Context, gateway *Gateway) error {
	definitions, err := f.Fetch(ctx)
	if err != nil {
		return err
	}
	return gateway.UpdateServices(definitions)
}

// Run re-fetches on the configured interval until the context ends. A
// failing round, fetch or composition alike, leaves the gateway's active
// schema in effect. With no interval configured Run returns immediately.
func (f *SDLFetcher) Run(ctx context.Context, gateway *Gateway) error {
	if f.interval == 0 {
		return nil
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Update(ctx, gateway); err != nil {
				f.log.Error("sdl fetcher: update round failed, keeping active schema", log.Error(err))
			}
		}
	}
}
