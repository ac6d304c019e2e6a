// tftpd is a multi-user file server speaking a TFTP dialect over TCP.
//
// Clients log in with a unique username, then upload, download, list and
// delete files in a shared store. Every logged-in client is told about
// files being added or removed. An optional admin API, MQTT telemetry and
// a SQLite audit log run alongside the protocol listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/tftpd/internal/api"
	"github.com/energizer-project/tftpd/internal/cli"
	"github.com/energizer-project/tftpd/internal/config"
	"github.com/energizer-project/tftpd/internal/db"
	"github.com/energizer-project/tftpd/internal/engine"
	"github.com/energizer-project/tftpd/internal/events"
	"github.com/energizer-project/tftpd/internal/metrics"
	"github.com/energizer-project/tftpd/internal/network"
	"github.com/energizer-project/tftpd/internal/scheduler"
	"github.com/energizer-project/tftpd/internal/session"
	"github.com/energizer-project/tftpd/internal/store"
	"github.com/energizer-project/tftpd/internal/telemetry"
	"github.com/energizer-project/tftpd/internal/util"
)

const (
	AppName    = "tftpd"
	AppVersion = "1.0.0"
)

type options struct {
	configDir string
	noConsole bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "tftpd <port>",
		Short: "Multi-user TFTP file server over TCP",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errInvalidPort
			}
			port, err := config.ParsePort(args[0])
			if err != nil {
				return errInvalidPort
			}
			return run(cmd.Context(), port, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Flags().StringVar(&opts.configDir, "config-dir", config.DefaultConfigDir, "directory holding config.json")
	rootCmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "disable the interactive console")

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInvalidPort) {
			fmt.Fprintln(os.Stderr, "Invalid port number. Exiting...")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var errInvalidPort = errors.New("invalid port number")

func run(parent context.Context, port int, opts options) error {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return err
	}
	cfg.SetPort(port)

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("port", port).
		Msg("starting tftpd")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, please fix the errors above")
	}

	sc := cfg.GetServer().Store
	files, err := store.New(parent, store.Options{
		Backend:  sc.Backend,
		Root:     sc.Root,
		Bucket:   sc.Bucket,
		Prefix:   sc.Prefix,
		Region:   sc.Region,
		Endpoint: sc.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to open file store: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventBus := events.NewEventBus()
	sessions := session.NewRegistry()
	m := metrics.New()

	var audit *db.AuditLog
	if cfg.Audit.Enabled {
		audit, err = db.NewAuditLog(cfg.Audit.DBPath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open audit log, auditing disabled")
			audit = nil
		} else {
			defer audit.Close()
			audit.Subscribe(eventBus)
		}
	}

	tcpListener := network.NewTCPListener(cfg, engine.Deps{
		Store:    files,
		Registry: sessions,
		Bus:      eventBus,
		Metrics:  m,
	})
	conns := tcpListener.Connections()

	apiSrc := api.Sources{
		Sessions:    sessions,
		Connections: conns,
		Files:       files,
		Metrics:     m,
	}
	cliSrc := cli.Sources{
		Sessions:    sessions,
		Connections: conns,
		Files:       files,
	}
	schedDeps := scheduler.Deps{
		Bus:         eventBus,
		Connections: conns,
		Sessions:    sessions,
	}
	// Leave the interfaces nil rather than holding a nil *AuditLog.
	if audit != nil {
		apiSrc.Audit = audit
		cliSrc.Audit = audit
		schedDeps.Audit = audit
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpListener.Start(ctx); err != nil {
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, cfg.Logging.Level, eventBus, apiSrc, AppVersion)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("admin API stopped (non-fatal)")
			}
		}()
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	sched := scheduler.NewScheduler(cfg, schedDeps)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if !opts.noConsole {
		console := cli.NewCLI(eventBus, cliSrc, cancel, os.Stdin, os.Stdout)
		// Not tracked by wg: a blocked stdin read must not hold up shutdown.
		go console.Start(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	cancel()
	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		// Closing client connections unblocks their readers so every
		// session logs out before the bus stops.
		if err := tcpListener.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop TCP listener")
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("tftpd stopped")
	return runErr
}
