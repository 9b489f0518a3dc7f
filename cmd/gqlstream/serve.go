package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hanpama/gqlstream/internal/config"
	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	executor "github.com/hanpama/gqlstream/internal/executor"
	"github.com/hanpama/gqlstream/internal/introspection"
	"github.com/hanpama/gqlstream/internal/logging"
	"github.com/hanpama/gqlstream/internal/metrics"
	"github.com/hanpama/gqlstream/internal/otel"
	"github.com/hanpama/gqlstream/internal/pubsub"
	"github.com/hanpama/gqlstream/internal/resolver"
	"github.com/hanpama/gqlstream/internal/server"
	"github.com/hanpama/gqlstream/internal/ws"
)

type serveFlags struct {
	addr         string
	path         string
	pretty       bool
	timeout      time.Duration
	corsOrigins  []string
	backend      string
	redisHost    string
	redisPort    int
	redisDB      int
	otlpEndpoint string
	keepAlive    time.Duration
	introspect   bool
}

func serveCmd(g *globalFlags) *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the GraphQL server",
		Long: `Serve GraphQL over HTTP and WebSocket on one path.

Flags override values from the config file.

Examples:
  gqlstream serve
  gqlstream serve --addr :8080 --pubsub redis --redis-host cache`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := g.setupLogging(cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	f.bind(cmd)
	return cmd
}

func (f *serveFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "", "HTTP listen address (default :4000)")
	fl.StringVar(&f.path, "path", "", "GraphQL endpoint path (default /graphql)")
	fl.BoolVar(&f.pretty, "pretty", false, "Pretty-print JSON responses")
	fl.DurationVar(&f.timeout, "timeout", 0, "Per-request timeout")
	fl.StringSliceVar(&f.corsOrigins, "cors-origin", nil, "Allowed CORS origin. Repeatable")
	fl.StringVar(&f.backend, "pubsub", "", "Event channel backend (memory, redis)")
	fl.StringVar(&f.redisHost, "redis-host", "", "Redis host")
	fl.IntVar(&f.redisPort, "redis-port", 0, "Redis port")
	fl.IntVar(&f.redisDB, "redis-db", 0, "Redis database")
	fl.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint; enables tracing")
	fl.DurationVar(&f.keepAlive, "keep-alive", 0, "WebSocket keep-alive interval")
	fl.BoolVar(&f.introspect, "introspection", true, "Serve __schema and __type")
}

// apply copies the flags the user set onto cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if changed("path") {
		cfg.Server.Path = f.path
	}
	if changed("pretty") {
		cfg.Server.Pretty = f.pretty
	}
	if changed("timeout") {
		cfg.Server.Timeout = f.timeout
	}
	if changed("cors-origin") {
		cfg.Server.CORSOrigins = f.corsOrigins
	}
	if changed("pubsub") {
		cfg.PubSub.Backend = f.backend
	}
	if changed("redis-host") {
		cfg.PubSub.Redis.Host = f.redisHost
	}
	if changed("redis-port") {
		cfg.PubSub.Redis.Port = f.redisPort
	}
	if changed("redis-db") {
		cfg.PubSub.Redis.DB = f.redisDB
	}
	if changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint = f.otlpEndpoint
	}
	if changed("keep-alive") {
		cfg.WebSocket.KeepAlive = f.keepAlive
	}
	if changed("introspection") {
		cfg.Server.Introspection = f.introspect
	}
}

// app is the assembled server. close releases everything newApp started.
type app struct {
	handler http.Handler
	ws      *ws.Handler
	ps      pubsub.PubSub
	metrics *metrics.Metrics
	tracing func(context.Context) error
	logger  *log.Entry
}

func newPubSub(ctx context.Context, cfg config.PubSub) (pubsub.PubSub, error) {
	logger := logging.NewLogger("pubsub")
	switch cfg.Backend {
	case config.BackendRedis:
		pubsub.SetRedisLogger(logger)
		r := pubsub.NewRedis(pubsub.RedisOptions{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		}, logger)
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, errors.Annotatef(err, "connecting to redis at %s:%d", cfg.Redis.Host, cfg.Redis.Port)
		}
		return r, nil
	default:
		return pubsub.NewHub(logger), nil
	}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	sch, err := resolver.Schema()
	if err != nil {
		return nil, errors.Annotate(err, "build schema")
	}
	bus := eventbus.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, bus)

	tracing, err := otel.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, bus)
	if err != nil {
		m.Close()
		return nil, errors.Annotate(err, "telemetry setup")
	}

	backend, err := newPubSub(ctx, cfg.PubSub)
	if err != nil {
		m.Close()
		_ = tracing(ctx)
		return nil, err
	}
	ps := pubsub.Instrument(backend, bus)

	var runtime executor.Runtime = resolver.New(ps, resolver.WithLogger(logging.NewLogger("resolver")))
	if cfg.Server.Introspection {
		runtime, sch = introspection.Wrap(runtime, sch)
	}

	sopts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithEventBus(bus),
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORSOrigins...))
	}
	httpHandler, err := server.New(runtime, sch, sopts...)
	if err != nil {
		return nil, errors.Annotate(err, "http handler")
	}

	wsHandler, err := ws.New(runtime, sch,
		ws.WithInitTimeout(cfg.WebSocket.InitTimeout),
		ws.WithKeepAlive(cfg.WebSocket.KeepAlive),
		ws.WithReadLimit(cfg.WebSocket.ReadLimit),
		ws.WithWriteTimeout(cfg.WebSocket.WriteTimeout),
		ws.WithEventBus(bus),
	)
	if err != nil {
		return nil, errors.Annotate(err, "websocket handler")
	}

	return &app{
		handler: server.NewRouter(server.RouterConfig{
			Path:      cfg.Server.Path,
			HTTP:      httpHandler,
			WebSocket: wsHandler,
			Metrics:   m.Handler(),
		}),
		ws:      wsHandler,
		ps:      ps,
		metrics: m,
		tracing: tracing,
		logger:  logging.NewLogger("serve"),
	}, nil
}

// close ends WebSocket connections first so no operation outlives the
// event channel.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.ws.Shutdown(ctx); err != nil {
		errs = append(errs, errors.Annotate(err, "websocket shutdown"))
	}
	if err := a.ps.Close(); err != nil {
		errs = append(errs, errors.Annotate(err, "pubsub close"))
	}
	a.metrics.Close()
	if err := a.tracing(ctx); err != nil {
		errs = append(errs, errors.Annotate(err, "telemetry shutdown"))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.WithFields(log.Fields{
		"addr":   cfg.Server.Addr,
		"path":   cfg.Server.Path,
		"pubsub": cfg.PubSub.Backend,
	}).Info("GraphQL server listening")

	var serveErr error
	select {
	case err := <-errc:
		serveErr = err
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	}

	grace := cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	closeErr := a.close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return errors.Annotate(serveErr, "serving")
	}
	return closeErr
}
