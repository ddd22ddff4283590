package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/swcache"
	"github.com/always-cache/swcache/control"
	"github.com/always-cache/swcache/manifest"
	"github.com/always-cache/swcache/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "swcache",
		Usage:   "Offline-first caching proxy with versioned releases",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			messageCommand(),
			manifestCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the caching proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars("SWCACHE_CONFIG"),
			},
			&cli.StringFlag{Name: "addr", Usage: "address to listen on"},
			&cli.StringFlag{Name: "origin", Usage: "origin URL to proxy to (forward proxy if unset)"},
			&cli.StringFlag{Name: "host", Usage: "hostname of origin"},
			&cli.StringFlag{Name: "provider", Usage: "cache provider: memory, sqlite or leveldb"},
			&cli.StringFlag{Name: "db", Usage: "cache database file or directory"},
			&cli.StringFlag{Name: "manifest", Usage: "manifest location (file, http(s):// or s3://)"},
			&cli.StringFlag{Name: "log-file", Usage: "log file to use (in addition to stdout)"},
			&cli.BoolFlag{Name: "vv", Usage: "verbosity: trace logging"},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	if err := setupLogger(cmd.String("log-file"), cmd.Bool("vv")); err != nil {
		return err
	}

	fileConfig, err := swcache.ReadConfig(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for flag, field := range map[string]*string{
		"addr":     &fileConfig.Server.Addr,
		"origin":   &fileConfig.Server.Origin,
		"host":     &fileConfig.Server.OriginHost,
		"provider": &fileConfig.Cache.Provider,
		"db":       &fileConfig.Cache.Path,
		"manifest": &fileConfig.Manifest.Source,
	} {
		if cmd.IsSet(flag) {
			*field = cmd.String(flag)
		}
	}
	if err := fileConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, "swcache", version, fileConfig.Telemetry.Endpoint)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer shutdownTracing(context.Background())

	store, err := fileConfig.OpenStore()
	if err != nil {
		return fmt.Errorf("open %s cache: %w", fileConfig.Cache.Provider, err)
	}
	defer store.Close()

	config, err := fileConfig.Config(ctx, store)
	if err != nil {
		return err
	}
	config.Logger = &log.Logger
	worker := swcache.New(config)

	server := &http.Server{
		Addr:              fileConfig.Server.Addr,
		Handler:           worker.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	if config.Origin != nil {
		log.Info().Msgf("Proxying %s to %s (with hostname '%s')", server.Addr, config.Origin, config.OriginHost)
	} else {
		log.Info().Msgf("Forward proxy listening on %s", server.Addr)
	}

	select {
	case err := <-errCh:
		worker.Close()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Could not shut down server")
	}
	if err := worker.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Background cache writes did not finish")
	}
	return nil
}

func messageCommand() *cli.Command {
	return &cli.Command{
		Name:      "message",
		Usage:     "send a control message to a running instance",
		UsageText: "swcache message [--url URL] skip-waiting|clear-cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "base URL of the running instance",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("SWCACHE_URL"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "control token of the running instance",
				Sources: cli.EnvVars("SWCACHE_CONTROL_TOKEN"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			action, ok := control.ParseAction(cmd.Args().First())
			if !ok {
				return fmt.Errorf("unknown action %q", cmd.Args().First())
			}
			reply, err := control.Post(ctx, nil, cmd.String("url"), cmd.String("token"), control.Message{Action: string(action)})
			if err != nil {
				return err
			}
			if reply.Success != nil && !*reply.Success {
				return fmt.Errorf("%s failed", action)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func manifestCommand() *cli.Command {
	return &cli.Command{
		Name:      "manifest",
		Usage:     "load and validate a manifest",
		UsageText: "swcache manifest [--origin URL] LOCATION",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "origin", Usage: "origin to resolve resources against"},
			&cli.StringFlag{Name: "version-path", Usage: "JSON path of the version"},
			&cli.StringFlag{Name: "resources-path", Usage: "JSON path of the resources, e.g. files|@values"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			location := cmd.Args().First()
			if location == "" {
				return errors.New("manifest location required")
			}
			paths := manifest.JSONPaths{
				Version:   cmd.String("version-path"),
				Resources: cmd.String("resources-path"),
			}
			source, err := manifest.NewSource(ctx, location, paths)
			if err != nil {
				return err
			}
			m, err := source.Load(ctx)
			if err != nil {
				return err
			}
			if err := m.Validate(); err != nil {
				return err
			}
			if origin := cmd.String("origin"); origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					return fmt.Errorf("origin: %w", err)
				}
				if _, err := m.Resolve(u); err != nil {
					return err
				}
			}
			return yaml.NewEncoder(os.Stdout).Encode(m)
		},
	}
}

func setupLogger(logFilename string, trace bool) error {
	// set log level
	logLevel := zerolog.DebugLevel
	if trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilename != "" {
		logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}
