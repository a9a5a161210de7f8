package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/config"
	grpcdir "github.com/rmacdonaldsmith/twinmesh-go/internal/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/directory/memory"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/eventrouter"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/identity"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/logging"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/runner"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/sink"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/host"
)

const (
	appName         = "twinmesh"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Digital twin engine with an HTTP gateway",
		Long: `twinmesh connects to a twin directory host, follows and publishes twin
feeds, and serves the engine over an HTTP API.

Configuration is read from the YAML file given with --config and from
TWINMESH_ environment variables (e.g. TWINMESH_HOST_DNS).`,
		Version:       httpapi.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	return cmd
}

// daemon holds everything that needs closing on shutdown.
type daemon struct {
	logger   *zap.Logger
	embedded *grpc.Server
	dir      *memory.Directory
	conn     *grpc.ClientConn
	pool     *runner.Pool
	engine   *engine.Engine
	server   *httpapi.Server
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting "+appName, zap.String("version", httpapi.Version))

	ids, err := identity.NewManager(cfg.Identity)
	if err != nil {
		return fmt.Errorf("failed to create identity manager: %w", err)
	}

	d := &daemon{logger: logger}
	g, gctx := errgroup.WithContext(ctx)

	dirConfig, err := d.directoryConfig(ctx, g, cfg, ids)
	if err != nil {
		d.close(context.Background())
		return err
	}

	if err := d.build(cfg, dirConfig, ids); err != nil {
		d.close(context.Background())
		return err
	}

	if err := d.engine.Start(ctx); err != nil {
		d.close(context.Background())
		return fmt.Errorf("failed to start engine: %w", err)
	}

	g.Go(func() error {
		logger.Info("HTTP gateway listening", zap.Int("port", cfg.HTTP.Port), zap.Bool("noAuth", cfg.HTTP.NoAuth))
		return d.server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.close(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(appName + " stopped")
	return nil
}

// directoryConfig starts the embedded directory when configured, otherwise
// resolves the host's gRPC endpoint.
func (d *daemon) directoryConfig(ctx context.Context, g *errgroup.Group, cfg *config.Config, ids *identity.Manager) (*grpcdir.Config, error) {
	if cfg.Directory.Embedded {
		lis, err := net.Listen("tcp", cfg.Directory.Listen)
		if err != nil {
			return nil, fmt.Errorf("failed to listen for embedded directory: %w", err)
		}
		opts := []memory.Option{memory.WithLogger(d.logger.Named("directory"))}
		if cfg.Directory.HostID != "" {
			opts = append(opts, memory.WithHostID(cfg.Directory.HostID))
		}
		d.dir = memory.New(opts...)
		d.embedded = grpcdir.NewServer(d.dir, ids.Validator())
		g.Go(func() error { return d.embedded.Serve(lis) })

		d.logger.Warn("using embedded in-memory directory",
			zap.String("address", lis.Addr().String()), zap.String("hostId", d.dir.HostID()))
		dirConfig := cfg.Host.Directory(lis.Addr().String())
		dirConfig.Insecure = true
		return dirConfig, nil
	}

	var resolver discovery.Resolver
	if cfg.Host.GRPCAddress != "" {
		resolver = discovery.NewStatic(cfg.Host.GRPCAddress)
	} else {
		index, err := discovery.NewHostIndex(cfg.Host.DNS)
		if err != nil {
			return nil, err
		}
		resolver = index
	}

	endpoints, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory endpoint: %w", err)
	}
	d.logger.Info("resolved directory endpoint", zap.String("grpc", endpoints.GRPC))
	return cfg.Host.Directory(endpoints.GRPC), nil
}

func (d *daemon) build(cfg *config.Config, dirConfig *grpcdir.Config, ids *identity.Manager) error {
	conn, err := grpcdir.Dial(dirConfig)
	if err != nil {
		return fmt.Errorf("failed to dial directory: %w", err)
	}
	d.conn = conn

	client, err := grpcdir.NewClient(conn, ids, grpcdir.WithLogger(d.logger.Named("directory-client")))
	if err != nil {
		return fmt.Errorf("failed to create directory client: %w", err)
	}

	d.pool, err = runner.NewPool(cfg.Executor.Workers, runner.WithPanicHandler(func(v any) {
		d.logger.Error("task panicked", zap.Any("panic", v), zap.Stack("stack"))
	}))
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	d.engine, err = engine.New(cfg.Engine, host.New(client, ids, d.pool),
		engine.WithLogger(d.logger.Named("engine")),
		engine.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	eventrouter.Subscribe(d.engine.Router(), func(ev engine.TwinFound) {
		d.logger.Debug("twin found", zap.String("search", ev.SearchID), zap.String("twin", ev.Twin.Ref().String()))
	})

	records, err := d.sink(cfg.Sink)
	if err != nil {
		return err
	}

	opts := []httpapi.Option{httpapi.WithLogger(d.logger.Named("http"))}
	if len(records) > 0 {
		opts = append(opts, httpapi.WithSink(records))
	}
	d.server, err = httpapi.NewServer(d.engine, httpapi.Config{
		Port:      strconv.Itoa(cfg.HTTP.Port),
		SecretKey: cfg.HTTP.SecretKey,
		NoAuth:    cfg.HTTP.NoAuth,
	}, opts...)
	if err != nil {
		_ = records.Close()
		return fmt.Errorf("failed to create HTTP gateway: %w", err)
	}
	return nil
}

// sink builds the record fan-out configured besides the gateway's own store.
func (d *daemon) sink(cfg config.SinkConfig) (sink.Multi, error) {
	var sinks sink.Multi
	if cfg.Stdout {
		sinks = append(sinks, sink.NewJSONLines(os.Stdout))
	}
	if cfg.NATS.URL != "" {
		ns, err := sink.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				d.logger.Warn("NATS disconnected", zap.Error(err))
			}),
		)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("failed to connect record sink: %w", err)
		}
		d.logger.Info("publishing records to NATS", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.SubjectPrefix))
		sinks = append(sinks, ns)
	}
	return sinks, nil
}

// close releases every component in reverse order of construction.
func (d *daemon) close(ctx context.Context) error {
	var err error
	if d.server != nil {
		err = multierr.Append(err, d.server.Stop(ctx))
	}
	if d.engine != nil {
		err = multierr.Append(err, d.engine.Stop(ctx))
		err = multierr.Append(err, d.engine.Close())
	}
	if d.pool != nil {
		err = multierr.Append(err, d.pool.Close(10*time.Second))
	}
	if d.conn != nil {
		err = multierr.Append(err, d.conn.Close())
	}
	if d.embedded != nil {
		d.embedded.GracefulStop()
	}
	if d.dir != nil {
		err = multierr.Append(err, d.dir.Close())
	}
	if err != nil {
		d.logger.Warn("errors during shutdown", zap.Error(err))
	}
	return err
}
