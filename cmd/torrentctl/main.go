package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"

	"torrentctl/internal/config"
	"torrentctl/internal/coordinator"
	"torrentctl/internal/engine"
)

const version = "torrentctl 0.3.0"

const usage = `torrentctl runs torrent downloads and seeds on one shared engine.

Usage:
  torrentctl create <path> [<output>] [--tracker=<url>...] [--web-seed=<url>...] [--comment=<text>] [--piece-length=<bytes>] [--private] [--public-trackers]
  torrentctl download <torrent> <dir> [--archive] [--config=<file>]
  torrentctl seed <torrent> <dir> [--interval=<duration>] [--config=<file>]
  torrentctl serve [--config=<file>]
  torrentctl status [<hash>] [--server=<url>] [--token=<token>] [--config=<file>]
  torrentctl useradd <username> [--password=<password>] [--config=<file>]
  torrentctl -h | --help
  torrentctl --version

Options:
  -h --help                 Show this screen.
  --version                 Show version.
  --config=<file>           Config file, otherwise ./config.* and TORRENTCTL_* variables.
  --tracker=<url>           Announce URL, repeatable.
  --web-seed=<url>          Web seed URL, repeatable.
  --comment=<text>          Descriptor comment.
  --piece-length=<bytes>    Piece length in bytes, 0 picks one automatically [default: 0].
  --private                 Mark the descriptor private.
  --public-trackers         Append the built-in public tracker list.
  --archive                 Upload the finished data to the configured bucket.
  --interval=<duration>     How often seed prints the status dump [default: 30s].
  --server=<url>            Base URL of a running serve instance, defaults to server.addr.
  --token=<token>           Bearer token for servers with auth enabled.
  --password=<password>     Password for useradd, read from stdin when omitted.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts, logger *logrus.Logger) error {
	// create works without any configuration
	if flag(opts, "create") {
		return runCreate(opts, os.Stdout)
	}

	cfg, err := config.LoadFile(str(opts, "--config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, keeping %s", cfg.Log.Level, logger.GetLevel())
	}

	switch {
	case flag(opts, "download"):
		return runDownload(ctx, cfg, logger, str(opts, "<torrent>"), str(opts, "<dir>"), flag(opts, "--archive"))
	case flag(opts, "seed"):
		return runSeed(ctx, cfg, logger, str(opts, "<torrent>"), str(opts, "<dir>"), str(opts, "--interval"))
	case flag(opts, "serve"):
		return runServe(ctx, cfg, logger)
	case flag(opts, "status"):
		return runStatus(ctx, cfg, str(opts, "<hash>"), str(opts, "--server"), str(opts, "--token"), os.Stdout)
	case flag(opts, "useradd"):
		return runUserAdd(ctx, cfg, logger, str(opts, "<username>"), str(opts, "--password"), os.Stdin)
	}
	return fmt.Errorf("no command given")
}

func str(opts docopt.Opts, key string) string {
	s, _ := opts[key].(string)
	return s
}

func strs(opts docopt.Opts, key string) []string {
	s, _ := opts[key].([]string)
	return s
}

func flag(opts docopt.Opts, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

func engineFactory(cfg config.Config, logger *logrus.Logger) func() (engine.Engine, error) {
	return func() (engine.Engine, error) {
		eng, err := engine.NewAnacrolix(engine.Config{
			DataDir:           cfg.Engine.DataDir,
			ListenHost:        cfg.Engine.ListenHost,
			ListenPort:        cfg.Engine.ListenPort,
			NoDHT:             cfg.Engine.NoDHT,
			DisableTrackers:   cfg.Engine.DisableTrackers,
			Seed:              cfg.Engine.Seed,
			UploadRateLimit:   cfg.Engine.UploadRateLimit,
			DownloadRateLimit: cfg.Engine.DownloadRateLimit,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return eng, nil
	}
}

func coordinatorConfig(cfg config.Config, logger *logrus.Logger, journal coordinator.Journal) coordinator.Config {
	return coordinator.Config{
		LargeObjectThreshold: cfg.Coordinator.LargeObjectThreshold,
		SettleDelay:          cfg.Coordinator.SettleDelay,
		PumpInterval:         cfg.Coordinator.PumpInterval,
		LargeObjectConns:     cfg.Coordinator.LargeObjectConns,
		DefaultConns:         cfg.Coordinator.DefaultConns,
		Trackers:             cfg.Engine.Trackers,
		Logger:               logger,
		Journal:              journal,
	}
}

func openCoordinator(cfg config.Config, logger *logrus.Logger, journal coordinator.Journal) (coordinator.Coordinator, error) {
	return coordinator.Open(coordinatorConfig(cfg, logger, journal), engineFactory(cfg, logger))
}
