package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lemonberrylabs/yrunner/pkg/api"
	grpcapi "github.com/lemonberrylabs/yrunner/pkg/api/grpc"
	"github.com/lemonberrylabs/yrunner/pkg/schedule"
	"github.com/lemonberrylabs/yrunner/pkg/service"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST and gRPC servers",
	Long: `Start the REST and gRPC servers, the scheduler for scripts with a
crontab schedule and, when a scripts directory is set, the directory watch.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP server port (default 8787, env YRUNNER_SERVER_PORT)")
	serveCmd.Flags().Int("grpc-port", 0, "gRPC server port (default 8788, env YRUNNER_SERVER_GRPC_PORT)")
	serveCmd.Flags().String("host", "", "bind address (default 0.0.0.0, env YRUNNER_SERVER_HOST)")
	serveCmd.Flags().String("scripts-dir", "", "directory of YAML scripts to deploy and watch (env YRUNNER_SERVER_SCRIPTS_DIR)")
	serveCmd.Flags().String("store", "", "store driver: memory or sqlite (env YRUNNER_STORE_DRIVER)")
	serveCmd.Flags().String("db", "", "SQLite database path (env YRUNNER_STORE_PATH)")
	serveCmd.Flags().Duration("watch-interval", api.DefaultWatchInterval, "how often the scripts directory is rescanned")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if v, _ := flags.GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v, _ := flags.GetInt("grpc-port"); v != 0 {
		cfg.Server.GRPCPort = v
	}
	if v, _ := flags.GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := flags.GetString("scripts-dir"); v != "" {
		cfg.Server.ScriptsDir = v
	}
	if v, _ := flags.GetString("store"); v != "" {
		cfg.Store.Driver = v
	}
	if v, _ := flags.GetString("db"); v != "" {
		cfg.Store.Path = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	interval, _ := flags.GetDuration("watch-interval")

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := service.New(st,
		service.WithLogger(logger),
		service.WithEngineOptions(engineOptions(cfg)...),
	)

	sched, err := schedule.New(func(ctx context.Context, scriptID string) error {
		_, err := svc.StartRun(ctx, scriptID, types.Null)
		return err
	}, schedule.WithLogger(logger.With().Str("component", "schedule").Logger()))
	if err != nil {
		return err
	}
	if err := svc.SetScheduler(sched); err != nil {
		return err
	}
	sched.Start()

	server := api.New(svc, api.WithLogger(logger.With().Str("component", "rest").Logger()))
	if dir := cfg.Server.ScriptsDir; dir != "" {
		if err := server.WatchDir(dir, interval); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("failed to watch scripts directory")
		}
	}

	grpcServer := grpcapi.New(svc, cfg.Server.Project, cfg.Server.Location,
		grpcapi.WithLogger(logger.With().Str("component", "grpc").Logger()))
	go func() {
		logger.Info().Str("addr", cfg.GRPCAddr()).Msg("gRPC server listening")
		if err := grpcServer.Serve(cfg.GRPCAddr()); err != nil {
			logger.Fatal().Err(err).Msg("gRPC server error")
		}
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		grpcServer.GracefulStop()
		if err := server.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
	}()

	logger.Info().
		Str("addr", cfg.Addr()).
		Str("store", cfg.Store.Driver).
		Str("project", cfg.Server.Project).
		Str("location", cfg.Server.Location).
		Msg("yrunner listening")
	listenErr := server.Listen(cfg.Addr())

	if err := sched.Stop(); err != nil {
		logger.Error().Err(err).Msg("failed to stop scheduler")
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("runs did not finish before shutdown")
	}
	return listenErr
}
