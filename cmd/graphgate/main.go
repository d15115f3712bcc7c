package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/graphgate/graphgate/pkg/engine/datasource/graphql_datasource"
	"github.com/graphgate/graphgate/pkg/engine/resolve"
	"github.com/graphgate/graphgate/pkg/graphql"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "graphgate",
		Short: "Federated GraphQL gateway",
		Long:  "graphgate composes the schemas of a fleet of GraphQL services and serves the combined graph over a single endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			return run(config)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&configFile, "config", "c", "", "path to the gateway config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type serviceEntry struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type config struct {
	ListenAddr         string         `mapstructure:"listen_addr"`
	PollInterval       time.Duration  `mapstructure:"poll_interval"`
	FetchTimeout       time.Duration  `mapstructure:"fetch_timeout"`
	FetchRetries       int            `mapstructure:"fetch_retries"`
	ServiceConcurrency int64          `mapstructure:"service_concurrency"`
	PlanCacheSize      int            `mapstructure:"plan_cache_size"`
	Debug              bool           `mapstructure:"debug"`
	Services           []serviceEntry `mapstructure:"services"`
}

func loadConfig() (*config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", "0.0.0.0:4000")
	v.SetDefault("poll_interval", 30*time.Second)
	v.SetDefault("fetch_timeout", 10*time.Second)
	v.SetDefault("fetch_retries", 1)
	v.SetDefault("service_concurrency", 8)
	v.SetDefault("plan_cache_size", 1024)

	v.SetEnvPrefix("GRAPHGATE")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("graphgate")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/graphgate")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(c.Services) == 0 {
		return nil, fmt.Errorf("config names no services")
	}
	return &c, nil
}

func logger(debug bool) log.Logger {
	zapConfig := zap.NewProductionConfig()
	level := log.InfoLevel
	if debug {
		zapConfig = zap.NewDevelopmentConfig()
		level = log.DebugLevel
	}
	zapLogger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return log.NewZapLogger(zapLogger, level)
}

func run(c *config) error {
	logger := logger(c.Debug)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clientServices := make([]graphql_datasource.ServiceConfig, 0, len(c.Services))
	fetchServices := make([]graphql.ServiceConfig, 0, len(c.Services))
	for _, service := range c.Services {
		clientServices = append(clientServices, graphql_datasource.ServiceConfig{Name: service.Name, URL: service.URL})
		fetchServices = append(fetchServices, graphql.ServiceConfig{Name: service.Name, URL: service.URL})
	}

	client := graphql_datasource.NewClient(clientServices,
		graphql_datasource.WithLogger(logger),
		graphql_datasource.WithRetries(c.FetchRetries),
	)
	executor := resolve.New(client,
		resolve.WithLogger(logger),
		resolve.WithServiceConcurrency(c.ServiceConcurrency),
		resolve.WithFetchTimeout(c.FetchTimeout),
	)
	gateway := graphql.NewGateway(executor,
		graphql.WithLogger(logger),
		graphql.WithPlanCacheSize(c.PlanCacheSize),
	)

	fetcher := graphql.NewSDLFetcher(client, fetchServices,
		graphql.WithFetchLogger(logger),
		graphql.WithPollInterval(c.PollInterval),
	)
	if err := fetcher.Update(ctx, gateway); err != nil {
		return fmt.Errorf("initial composition: %w", err)
	}
	go func() {
		_ = fetcher.Run(ctx, gateway)
	}()

	mux := http.NewServeMux()
	mux.Handle("/query", graphql.NewHandler(gateway, logger))

	server := &http.Server{
		Addr:    c.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", log.String("addr", c.ListenAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
