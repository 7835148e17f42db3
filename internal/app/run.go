package app

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/neighborly/internal/config"
	"github.com/petervdpas/neighborly/internal/metrics"
	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/player"
	"github.com/petervdpas/neighborly/internal/session"
	"github.com/petervdpas/neighborly/internal/storage"
	"github.com/petervdpas/neighborly/internal/util"
	"github.com/petervdpas/neighborly/internal/viewer"
	"github.com/petervdpas/neighborly/internal/volume"
)

var log = logging.Logger("app")

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts every service and blocks until ctx ends or one of them fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	if err := SetupLogging(cfg.Log); err != nil {
		return err
	}
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	defer pipe.Close()
	go func() { _, _ = io.Copy(logBuf, pipe) }()

	listenAddr, url := NormalizeListenAddr(cfg.Server.HTTPAddr)
	baseURL := cfg.Server.ExternalURL
	if baseURL == "" {
		baseURL = url
	}
	logBanner(opt.DataDir, opt.CfgPath, baseURL)

	clk := clock.New()
	m := metrics.New()
	bus := notify.NewBus(clk)
	bus.OnDrop(m.Dropped)

	sessions := session.NewRegistry(session.Options{
		Clock:       clk,
		Player:      newPlayer(cfg.Player),
		HistorySize: cfg.Sessions.HistorySize,
		TrackTTL:    time.Duration(cfg.Player.TrackCacheSeconds) * time.Second,
	})

	coord := volume.New(volume.Options{
		Clock:         clk,
		Registry:      sessions,
		Bus:           bus,
		Metrics:       m,
		CommitTimeout: time.Duration(cfg.Player.TimeoutSeconds) * time.Second,
	})
	defer coord.Stop()
	sessions.OnExpire(coord.Forget)

	var db *storage.DB
	if cfg.Sessions.SnapshotPath != "" {
		var err error
		db, err = storage.Open(util.ResolvePath(opt.DataDir, cfg.Sessions.SnapshotPath))
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := db.RestoreInto(sessions); err != nil {
			log.Warnw("could not restore sessions", "err", err)
		}
	}

	if w, err := config.Watch(opt.CfgPath, func(c config.Config) {
		if err := ApplyLogLevels(c.Log); err != nil {
			log.Warnw("log levels not applied", "err", err)
		}
	}); err != nil {
		log.Warnw("config watcher disabled", "err", err)
	} else {
		defer w.Close()
	}

	sweep := time.Duration(cfg.Sessions.SweepIntervalSeconds) * time.Second
	idle := time.Duration(cfg.Sessions.IdleExpiryHours) * time.Hour

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return viewer.Start(gctx, listenAddr, viewer.Viewer{
			Sessions:       sessions,
			Volume:         coord,
			Bus:            bus,
			Metrics:        m,
			Logs:           logBuf,
			BaseURL:        baseURL,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})
	})
	g.Go(func() error { return sessions.RunExpiry(gctx, idle, sweep) })
	g.Go(func() error { return coord.RunSweeper(gctx, sweep) })
	if db != nil {
		interval := time.Duration(cfg.Sessions.SnapshotIntervalSeconds) * time.Second
		g.Go(func() error { return db.RunSnapshots(gctx, sessions, interval) })
	}

	err := g.Wait()
	log.Infow("stopped", "err", err)
	return err
}

func newPlayer(c config.Player) player.Player {
	if c.Kind == "http" {
		return player.NewHTTPClient(c.BaseURL, time.Duration(c.TimeoutSeconds)*time.Second)
	}
	return player.NewLoopback(nil)
}
