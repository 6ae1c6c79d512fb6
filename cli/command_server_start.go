package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"

	"github.com/photodav/photodav/internal/clock"
	"github.com/photodav/photodav/internal/config"
	"github.com/photodav/photodav/internal/fscache"
	"github.com/photodav/photodav/internal/gateway"
	"github.com/photodav/photodav/internal/inflight"
	"github.com/photodav/photodav/internal/logging"
	"github.com/photodav/photodav/internal/rendition"
	"github.com/photodav/photodav/internal/requestq"
	"github.com/photodav/photodav/internal/stats"
	"github.com/photodav/photodav/internal/transcode"
)

var log = logging.Module("server")

const (
	healthLogInterval  = 1 * time.Minute
	restartPollEvery   = 1 * time.Minute
	restartGracePeriod = 5 * time.Minute
	restartTimezone    = "Asia/Tokyo"
)

var (
	serverStartCommand = serverCommands.Command("start", "Start the gateway server.").Default()

	serverStartCacheDir         = serverStartCommand.Flag("cache-dir", "Primary rendition cache directory.").Default("cache").String()
	serverStartFallbackCacheDir = serverStartCommand.Flag("fallback-cache-dir", "Fallback cache directory when the primary is unusable.").Default(filepath.Join(os.TempDir(), "photodav-cache")).String()
	serverStartPublicDir        = serverStartCommand.Flag("public-dir", "Directory holding the settings UI statics.").Default("public").String()
	serverStartStatsFile        = serverStartCommand.Flag("stats-file", "Path of the persisted statistics file.").Default(filepath.Join("logs", "stats.json")).String()
)

func init() {
	serverStartCommand.Action(func(_ *kingpin.ParseContext) error {
		return runServer(rootContext())
	})
}

// runServer owns the full lifecycle: bring components up in dependency
// order, serve until a shutdown signal or scheduled restart, then tear them
// down in the reverse serving order.
func runServer(ctx context.Context) error {
	cfg, err := config.Load(ctx, *configFile)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	snap := cfg.Snapshot()

	fs := fscache.New(fscache.OSFilesystem{}, fscache.Options{})

	renditions := rendition.Initialize(ctx, *serverStartCacheDir, *serverStartFallbackCacheDir, rendition.Options{
		TTL:           func() time.Duration { return cfg.Snapshot().CacheTTL },
		MinSourceSize: func() int64 { return cfg.Snapshot().CacheMinSize },
	})
	renditions.StartSweeper(ctx)

	vipsEngine := transcode.NewVipsEngine(transcode.VipsConfig{
		Concurrency:   snap.MaxConcurrency,
		MaxCacheMemMB: snap.MemoryLimitMB,
	})

	cfg.OnChange(func(ctx context.Context, old, new *config.Snapshot) {
		if old.MaxConcurrency != new.MaxConcurrency {
			log(ctx).Infof("concurrency limit %v -> %v", old.MaxConcurrency, new.MaxConcurrency)
			vipsEngine.SetConcurrency(new.MaxConcurrency)
		}
	})

	transcoder := transcode.New(
		vipsEngine,
		transcode.NewMagickEngine(func() string { return cfg.Snapshot().MagickPath }),
	)

	tracker := inflight.NewTracker(0)
	tracker.StartWatchdog(ctx)

	queue := requestq.New(requestq.Options{
		MaxSize:            func() int { return cfg.Snapshot().StackMaxSize },
		ProcessingDelay:    func() time.Duration { return cfg.Snapshot().ProcessingDelay },
		DropWhenOverloaded: func() bool { return cfg.Snapshot().DropWhenOverloaded },
		AggressiveDrop:     func() bool { return cfg.Snapshot().AggressiveDropEnabled },
		EmergencyReset:     func() bool { return cfg.Snapshot().EmergencyResetEnabled },
	})
	queue.Start(ctx)

	coll := stats.NewCollector(ctx, *serverStartStatsFile, 0)

	srv := gateway.New(gateway.Params{
		Config:     cfg,
		FSCache:    fs,
		Renditions: renditions,
		Tracker:    tracker,
		Queue:      queue,
		Transcoder: transcoder,
		Stats:      coll,
		PublicDir:  *serverStartPublicDir,
	})

	if err := srv.Start(ctx); err != nil {
		return errors.Wrap(err, "starting HTTP frontend")
	}

	cfg.StartPolling(ctx, 0)

	done := make(chan struct{})
	defer close(done)

	go healthLogger(ctx, done, queue, tracker)

	restart := make(chan struct{})
	go restartScheduler(ctx, done, cfg, restart)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log(ctx).Infof("received %v, shutting down", s)
	case <-restart:
		log(ctx).Infof("scheduled restart reached, shutting down")
	}

	queue.Stop()
	cfg.StopPolling()
	tracker.Stop()
	renditions.Close(ctx)
	srv.Close(ctx)

	if err := coll.Close(); err != nil {
		log(ctx).Warnf("unable to persist statistics: %v", err)
	}

	fs.Close()
	vipsEngine.Shutdown()

	log(ctx).Infof("shutdown complete")

	return nil
}

// healthLogger emits a periodic liveness line with the key load indicators.
func healthLogger(ctx context.Context, done <-chan struct{}, queue *requestq.Queue, tracker *inflight.Tracker) {
	t := time.NewTicker(healthLogInterval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			log(ctx).Infof("health: queued=%v inflight=%v", queue.Len(), tracker.ActiveLeases())
		}
	}
}

// restartScheduler closes restart when the configured local time of day is
// reached, after a grace delay so a supervisor restart lands between bursts.
func restartScheduler(ctx context.Context, done <-chan struct{}, cfg *config.Registry, restart chan<- struct{}) {
	loc, err := time.LoadLocation(restartTimezone)
	if err != nil {
		log(ctx).Warnf("unable to load %v timezone, scheduled restart disabled: %v", restartTimezone, err)
		return
	}

	t := time.NewTicker(restartPollEvery)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			snap := cfg.Snapshot()
			if !snap.RestartEnabled {
				continue
			}

			if clock.Now().In(loc).Format("15:04") != snap.RestartTime {
				continue
			}

			log(ctx).Infof("restart time %v reached, restarting in %v", snap.RestartTime, restartGracePeriod)

			select {
			case <-done:
				return
			case <-time.After(restartGracePeriod):
				close(restart)
				return
			}
		}
	}
}
