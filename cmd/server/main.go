package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/crystal-mush/chanserv/pkg/archive"
	"github.com/crystal-mush/chanserv/pkg/boltstore"
	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/clock"
	"github.com/crystal-mush/chanserv/pkg/events"
	"github.com/crystal-mush/chanserv/pkg/scheduler"
	"github.com/crystal-mush/chanserv/pkg/scrollback"
	"github.com/crystal-mush/chanserv/pkg/server"
	"github.com/crystal-mush/chanserv/pkg/session"
)

// shutdownGrace bounds the non-essential shutdown tasks.
const shutdownGrace = 30 * time.Second

func main() {
	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	confFile := flag.StringP("conf", "c", os.Getenv("CHAN_CONF"), "Path to YAML config file (env: CHAN_CONF)")
	port := flag.IntP("port", "p", 0, "Listen port, overrides config (env: CHAN_PORT)")
	boltPath := flag.String("bolt", "", "Path to bbolt channel database, overrides config (env: CHAN_BOLT)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: CHAN_LOG_LEVEL)")
	backup := flag.String("backup", "", "Write a snapshot of the channel database to this path and exit")
	archiveOnce := flag.Bool("archive", false, "Write a .tar.gz archive to archive_dir and exit")
	showVersion := flag.BoolP("version", "v", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(server.VersionString())
		return
	}

	conf := server.DefaultConf()
	if *confFile != "" {
		var err error
		conf, err = server.LoadConf(*confFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
	}
	conf.ApplyEnv(os.LookupEnv)
	if *port != 0 {
		conf.Port = *port
	}
	if *boltPath != "" {
		conf.BoltPath = *boltPath
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(conf)

	log.Info().Str("module", "main").Str("version", server.Version).Msg("starting " + server.VersionString())

	store, err := boltstore.Open(conf.BoltPath)
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("opening channel database")
	}

	if *backup != "" {
		err := store.Backup(*backup)
		store.Close()
		if err != nil {
			log.Fatal().Err(err).Str("module", "main").Msg("backup failed")
		}
		return
	}

	if *archiveOnce {
		err := archiveOffline(conf, *confFile, store)
		store.Close()
		if err != nil {
			log.Fatal().Err(err).Str("module", "archive").Msg("archive failed")
		}
		return
	}

	if err := run(conf, *confFile, store); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("server stopped with error")
		os.Exit(1)
	}
}

func run(conf *server.Conf, confPath string, store *boltstore.Store) error {
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	bus := events.NewBus()
	sessions := session.NewRegistry(bus, clk)
	sessions.SetQueueLimit(conf.EventQueueLimit)
	metrics := server.NewMetrics(time.Now())

	mgr, err := channel.NewManager(channel.Options{
		Store:            store,
		Index:            store,
		Users:            sessions,
		Clock:            clk,
		Publisher:        bus,
		Observer:         metrics,
		MessageRetention: conf.MessageRetentionDuration(),
		SweepPeriod:      conf.SweepInterval(),
	})
	if err != nil {
		return err
	}
	metrics.SetSource(mgr, sessions.Count)

	sched := scheduler.New(clk)
	mgr.Register(sched)
	sched.ScheduleRecurring("bus-cleanup", bus.Cleanup, time.Minute, 5*time.Minute)

	var history server.History
	var sb *scrollback.Store
	if conf.ScrollbackDriver != "" {
		sb, err = scrollback.Open(conf.ScrollbackDriver, conf.ScrollbackDSN)
		if err != nil {
			return fmt.Errorf("opening scrollback: %w", err)
		}
		writer := scrollback.NewWriter(sb, mgr.TrackMessages)
		bus.SubscribeGlobal(writer)
		scrollback.StartRetentionCleanup(ctx, sb, conf.ScrollbackRetention(), time.Hour)
		sched.AddShutdownTask("scrollback-close", func() {
			writer.Close()
			if err := sb.Close(); err != nil {
				log.Warn().Err(err).Str("module", "scrollback").Msg("close failed")
			}
		}, scheduler.Low)
		history = sb
	} else {
		log.Info().Str("module", "main").Msg("scrollback disabled")
	}

	if period := conf.ArchivePeriod(); period > 0 {
		sched.ScheduleRecurring("archive", func() {
			if _, err := writeArchive(conf, confPath, store, sb); err != nil {
				log.Error().Err(err).Str("module", "archive").Msg("scheduled archive failed")
			}
		}, period, period)
	}

	web := server.NewWebServer(conf, server.WebDeps{
		Manager:  mgr,
		Sessions: sessions,
		Bus:      bus,
		Auth:     server.NewAuthService(conf.JWTSecret, conf.JWTExpiry),
		Metrics:  metrics,
		History:  history,
	})
	if conf.JWTSecret == "" {
		log.Warn().Str("module", "main").Msg("jwt_secret not set, using a random key; tokens will not survive a restart")
	}

	if err := server.WatchConf(ctx, confPath, func(c *server.Conf) {
		setLogLevel(c.LogLevel)
		web.ApplyConf(c)
	}); err != nil {
		log.Warn().Err(err).Str("module", "main").Msg("config watcher not started")
	}

	errc := make(chan error, 1)
	go func() { errc <- web.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Str("module", "main").Msg("shutdown requested")
	case err = <-errc:
		if err != nil {
			log.Error().Err(err).Str("module", "main").Msg("web server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if stopErr := web.Stop(shutdownCtx); stopErr != nil && !errors.Is(stopErr, context.DeadlineExceeded) {
		log.Warn().Err(stopErr).Str("module", "main").Msg("web shutdown")
	}
	if schedErr := sched.Shutdown(shutdownCtx); schedErr != nil {
		log.Warn().Err(schedErr).Str("module", "main").Msg("shutdown tasks incomplete")
	}
	log.Info().Str("module", "main").Msg("stopped")
	return err
}

// writeArchive snapshots the channel database, the sqlite scrollback file
// and the config into conf.ArchiveDir, then prunes old archives.
func writeArchive(conf *server.Conf, confPath string, store *boltstore.Store, sb *scrollback.Store) (string, error) {
	if conf.ArchiveDir == "" {
		return "", errors.New("archive_dir is not set")
	}
	p := archive.Params{
		Dir:          conf.ArchiveDir,
		Server:       server.VersionString(),
		Channels:     store.ChannelCount(),
		BoltSnapshot: store.Backup,
		ConfPath:     confPath,
	}
	if sb != nil && sb.Driver() == scrollback.DriverSQLite && conf.ScrollbackDSN != ":memory:" {
		p.ScrollbackPath = conf.ScrollbackDSN
		p.ScrollbackCheckpoint = sb.Checkpoint
	}
	path, err := archive.Create(p)
	if err != nil {
		return "", err
	}
	log.Info().Str("module", "archive").Str("path", path).Int("channels", p.Channels).Msg("archive written")

	removed, err := archive.Prune(conf.ArchiveDir, conf.ArchiveKeep)
	for _, r := range removed {
		log.Info().Str("module", "archive").Str("path", r).Msg("old archive removed")
	}
	return path, err
}

// archiveOffline writes one archive without starting the server.
func archiveOffline(conf *server.Conf, confPath string, store *boltstore.Store) error {
	var sb *scrollback.Store
	if conf.ScrollbackDriver == scrollback.DriverSQLite {
		var err error
		if sb, err = scrollback.Open(conf.ScrollbackDriver, conf.ScrollbackDSN); err != nil {
			return fmt.Errorf("opening scrollback: %w", err)
		}
		defer sb.Close()
	}
	_, err := writeArchive(conf, confPath, store, sb)
	return err
}

func setupLogging(conf *server.Conf) {
	zerolog.TimeFieldFormat = time.RFC3339
	if !conf.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	setLogLevel(conf.LogLevel)
}

func setLogLevel(name string) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
